// jsonl.go
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linnix-os/linnixd/types"
)

// JSONLSink appends events and alerts as JSON lines. Clients that need a
// complete record consume this file; the streaming hub stays lossy.
type JSONLSink struct {
	file *os.File
	mu   sync.Mutex
}

// NewJSONLSink opens the sink, rotating a preexisting file out of the way
// first so each run starts a fresh log.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, daemonErr(ErrIo, "creating jsonl dir", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		archived := fmt.Sprintf("%s.%s", path, info.ModTime().Format("2006-01-02-15-04-05"))
		if err := os.Rename(path, archived); err != nil {
			return nil, daemonErr(ErrIo, "rotating jsonl file", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, daemonErr(ErrIo, "opening jsonl file", err)
	}
	return &JSONLSink{file: file}, nil
}

type jsonlLine struct {
	Type  string             `json:"type"`
	Ts    time.Time          `json:"ts"`
	Event *types.Event       `json:"event,omitempty"`
	Alert *types.AlertRecord `json:"alert,omitempty"`
}

func (s *JSONLSink) WriteEvent(ev *types.Event) error {
	return s.write(jsonlLine{Type: "event", Ts: time.Now(), Event: ev})
}

func (s *JSONLSink) WriteAlert(record types.AlertRecord) error {
	return s.write(jsonlLine{Type: "alert", Ts: time.Now(), Alert: &record})
}

func (s *JSONLSink) write(line jsonlLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(data)
	return err
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
