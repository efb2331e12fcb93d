/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tradelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/utils/clock"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// Log persists every execution result as line-delimited JSON, one file per UTC day.
// Rotated files stay in the directory until the archiver uploads and removes them.
type Log struct {
	mu         sync.Mutex
	dir        string
	clock      clock.PassiveClock
	file       *os.File
	currentDay string
}

func New(dir string, clk clock.PassiveClock) (*Log, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trade log directory, %w", err)
	}
	return &Log{dir: dir, clock: clk}, nil
}

// Append writes one result, rotating first when the UTC day rolled over.
func (l *Log) Append(result *core.ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.clock.Now().UTC().Format("2006-01-02")
	if l.file == nil || day != l.currentDay {
		if err := l.rotateLocked(day); err != nil {
			return err
		}
	}
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding trade log line, %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing trade log line, %w", err)
	}
	return nil
}

// CurrentPath returns the path of the active file, empty before the first append.
func (l *Log) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// RotatedFiles lists files in the directory other than the active one, oldest first.
func (l *Log) RotatedFiles() ([]string, error) {
	current := l.CurrentPath()
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing trade log directory, %w", err)
	}
	var rotated []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		if path != current {
			rotated = append(rotated, path)
		}
	}
	return rotated, nil
}

// Close flushes and closes the active file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) rotateLocked(day string) error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("closing rotated trade log, %w", err)
		}
	}
	path := filepath.Join(l.dir, fmt.Sprintf("trades-%s.ndjson", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening trade log %s, %w", path, err)
	}
	l.file = f
	l.currentDay = day
	return nil
}
