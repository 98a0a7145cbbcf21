package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

// JSONL record types for the streaming session format.
const (
	recordTypeHeader  = "header"  // session metadata (first line)
	recordTypeMessage = "message" // one conversation message per line
	recordTypeFooter  = "footer"  // final state (last line)
)

// jsonlRecord is a wrapper for JSONL lines with type discrimination.
type jsonlRecord struct {
	RecordType string `json:"_type"`

	// Header fields (when _type == "header")
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Message fields (when _type == "message")
	Message *llm.Message `json:"message,omitempty"`

	// Footer fields (when _type == "footer")
	ActiveTasks []string  `json:"active_tasks,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// FileStore persists sessions as JSONL files, one per session key.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-based store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(key)
	return filepath.Join(s.dir, name+".jsonl")
}

// Save writes the session as header, message lines, and footer.
func (s *FileStore) Save(st *State) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.Create(s.path(st.Key))
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer f.Close()

	header := jsonlRecord{
		RecordType: recordTypeHeader,
		Key:        st.Key,
		CreatedAt:  st.CreatedAt,
	}
	if err := writeLine(f, header); err != nil {
		return err
	}

	for i := range st.Messages {
		msg := st.Messages[i]
		record := jsonlRecord{
			RecordType: recordTypeMessage,
			Message:    &msg,
		}
		if err := writeLine(f, record); err != nil {
			return err
		}
	}

	footer := jsonlRecord{
		RecordType:  recordTypeFooter,
		ActiveTasks: st.ActiveTasks,
		UpdatedAt:   st.UpdatedAt,
	}
	return writeLine(f, footer)
}

func writeLine(f *os.File, record jsonlRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	_, err = f.WriteString("\n")
	return err
}

// Load reads a session back from disk.
func (s *FileStore) Load(key string) (*State, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	st := &State{Key: key}

	// bufio.Reader instead of Scanner: no line length limits.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(bytes.TrimSpace(line)) > 0 {
					if parseErr := parseLine(line, st); parseErr != nil {
						return nil, parseErr
					}
				}
				break
			}
			return nil, fmt.Errorf("error reading session file: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := parseLine(line, st); err != nil {
			return nil, err
		}
	}

	return st, nil
}

func parseLine(line []byte, st *State) error {
	var record jsonlRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse session line: %w", err)
	}

	switch record.RecordType {
	case recordTypeHeader:
		if record.Key != "" {
			st.Key = record.Key
		}
		st.CreatedAt = record.CreatedAt
	case recordTypeMessage:
		if record.Message != nil {
			st.Messages = append(st.Messages, *record.Message)
		}
	case recordTypeFooter:
		st.ActiveTasks = record.ActiveTasks
		st.UpdatedAt = record.UpdatedAt
	}
	return nil
}
