// Package logstore provides per-instance daemon log capture with in-memory
// ring buffers and file persistence. Proxy process stdout/stderr attach
// directly to an InstanceLog as an io.Writer; the tail endpoint reads from
// the ring buffer, falling back to the file after a daemon restart.
package logstore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"
)

const (
	maxLines     = 2000
	maxFileBytes = 10 * 1024 * 1024 // per log file before rotation
)

// FileName is the daemon log file name inside an instance's logs directory.
const FileName = "daemon.log"

// Store manages log capture for all instances.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*InstanceLog
}

// NewStore creates an empty log store.
func NewStore() *Store {
	return &Store{logs: make(map[string]*InstanceLog)}
}

// Open returns the InstanceLog for name, creating it under instanceDir if
// needed. The returned log appends to instanceDir/logs/daemon.log.
func (s *Store) Open(name, instanceDir string) (*InstanceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if il, ok := s.logs[name]; ok {
		return il, nil
	}

	logsDir := filepath.Join(instanceDir, "logs")
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		return nil, err
	}
	il, err := newInstanceLog(filepath.Join(logsDir, FileName))
	if err != nil {
		return nil, err
	}
	s.logs[name] = il
	return il, nil
}

// Tail returns the last n lines for name. If the instance has no open log
// this session, the file under instanceDir is read instead.
func (s *Store) Tail(name, instanceDir string, n int) ([]string, error) {
	s.mu.RLock()
	il := s.logs[name]
	s.mu.RUnlock()

	if il != nil {
		return il.Tail(n), nil
	}
	return tailFile(filepath.Join(instanceDir, "logs", FileName), n)
}

// Remove closes the log for name and forgets it. Files are left in place;
// deleting the instance directory is the registry's job.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	il, ok := s.logs[name]
	if ok {
		delete(s.logs, name)
	}
	s.mu.Unlock()

	if ok {
		il.Close()
	}
}

// CloseAll closes every open log file.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, il := range s.logs {
		il.Close()
		delete(s.logs, name)
	}
}

// InstanceLog is a per-instance line ring buffer with disk persistence. It
// implements io.Writer so a process's stdout/stderr can attach directly.
type InstanceLog struct {
	mu sync.Mutex

	// Ring buffer of complete lines.
	lines []string
	head  int
	count int

	partial []byte // bytes since the last newline

	filePath  string
	file      *os.File
	fileBytes int64
}

func newInstanceLog(filePath string) (*InstanceLog, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	il := &InstanceLog{
		lines:    make([]string, maxLines),
		filePath: filePath,
		file:     f,
	}
	if info, err := f.Stat(); err == nil {
		il.fileBytes = info.Size()
	}
	return il, nil
}

// Write appends raw process output. Complete lines enter the ring buffer;
// a trailing partial line is held until its newline arrives.
func (il *InstanceLog) Write(p []byte) (int, error) {
	il.mu.Lock()
	defer il.mu.Unlock()

	if il.file != nil {
		n, err := il.file.Write(p)
		il.fileBytes += int64(n)
		if err == nil && il.fileBytes > maxFileBytes {
			il.rotate()
		}
	}

	il.partial = append(il.partial, p...)
	for {
		i := bytes.IndexByte(il.partial, '\n')
		if i < 0 {
			break
		}
		il.appendLine(string(il.partial[:i]))
		il.partial = il.partial[i+1:]
	}
	return len(p), nil
}


func (il *InstanceLog) appendLine(line string) {
	if il.count >= maxLines {
		il.head = (il.head + 1) % maxLines
		il.count--
	}
	il.lines[(il.head+il.count)%maxLines] = line
	il.count++
}

func (il *InstanceLog) rotate() {
	if il.file != nil {
		il.file.Close()
	}
	os.Rename(il.filePath, il.filePath+".1")
	f, err := os.OpenFile(il.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		il.file = f
		il.fileBytes = 0
	} else {
		il.file = nil
	}
}

// Tail returns the last n buffered lines. n <= 0 returns everything buffered.
func (il *InstanceLog) Tail(n int) []string {
	il.mu.Lock()
	defer il.mu.Unlock()

	out := make([]string, 0, il.count)
	for i := 0; i < il.count; i++ {
		out = append(out, il.lines[(il.head+i)%maxLines])
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Close flushes any partial line and closes the file handle.
func (il *InstanceLog) Close() {
	il.mu.Lock()
	defer il.mu.Unlock()
	if len(il.partial) > 0 {
		il.appendLine(string(il.partial))
		il.partial = nil
	}
	if il.file != nil {
		il.file.Close()
		il.file = nil
	}
}

// tailFile reads the last n lines of a log file on disk. A missing file is
// an empty tail, not an error.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
