package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

const maxLineBytes = 4 << 20

// FileAdapter reads facts from newline-delimited JSON files, one file per
// stream named <stream>.ndjson under Dir. The cursor is the number of lines
// already consumed. Blank lines count as lines but yield no fact.
type FileAdapter struct {
	Dir string
	// AdapterName defaults to "file".
	AdapterName string
}

func NewFileAdapter(dir string) *FileAdapter {
	return &FileAdapter{Dir: dir}
}

func (a *FileAdapter) Name() string {
	if a.AdapterName != "" {
		return a.AdapterName
	}
	return "file"
}

// Streams lists the stream names available under Dir.
func (a *FileAdapter) Streams() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.Dir, "*.ndjson"))
	if err != nil {
		return nil, err
	}
	streams := make([]string, 0, len(matches))
	for _, m := range matches {
		streams = append(streams, strings.TrimSuffix(filepath.Base(m), ".ndjson"))
	}
	return streams, nil
}

func (a *FileAdapter) Fetch(ctx context.Context, req FetchRequest) (*Batch, error) {
	if strings.ContainsAny(req.Stream, `/\`) || req.Stream == "" || req.Stream == ".." {
		return nil, fmt.Errorf("invalid stream name %q", req.Stream)
	}
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid file cursor %q", req.Cursor)
		}
		offset = n
	}

	f, err := os.Open(filepath.Join(a.Dir, req.Stream+".ndjson"))
	if errors.Is(err, fs.ErrNotExist) {
		return &Batch{Cursor: req.Cursor, Done: true}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	batch := &Batch{}
	line := 0
	for line < offset && scanner.Scan() {
		line++
	}
	if line < offset {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", req.Stream, err)
		}
		return &Batch{Cursor: req.Cursor, Done: true}, nil
	}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text != "" {
			var fact models.ActivityFact
			if err := json.Unmarshal([]byte(text), &fact); err != nil {
				return nil, fmt.Errorf("%s line %d: %w", req.Stream, line, err)
			}
			if fact.ScopeID == "" {
				fact.ScopeID = req.ScopeID
			}
			if inWindow(&fact, req) {
				batch.Facts = append(batch.Facts, &fact)
			}
		}
		if req.Limit > 0 && len(batch.Facts) >= req.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Stream, err)
	}

	batch.Cursor = strconv.Itoa(line)
	batch.Done = req.Limit <= 0 || len(batch.Facts) < req.Limit
	return batch, nil
}

func inWindow(f *models.ActivityFact, req FetchRequest) bool {
	if !req.WindowStart.IsZero() && f.EventTime.Before(req.WindowStart) {
		return false
	}
	if !req.WindowEnd.IsZero() && !f.EventTime.Before(req.WindowEnd) {
		return false
	}
	return true
}
