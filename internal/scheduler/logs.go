package scheduler

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stywzn/recon-orchestrator/internal/executor"
)

const (
	DefaultLogTail = 500
	MaxLogTail     = 5000
)

// Logs returns the last n lines of the job's captured stdout. A job that has not
// produced output yet yields an empty slice.
func (s *Scheduler) Logs(id string, n int) ([]string, error) {
	job, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = DefaultLogTail
	}
	if n > MaxLogTail {
		n = MaxLogTail
	}
	path := job.RawOutputPath
	if path == "" {
		path = filepath.Join(s.exec.OutputDir(id), executor.StdoutFile)
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count <= n {
		return ring[:count], nil
	}
	out := make([]string, 0, n)
	start := count % n
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
