package logging

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// scannerCapacity bounds a single scanned line. Well above
	// MaxLineLength so oversized lines reach the truncation path instead
	// of aborting the scan with ErrTooLong.
	scannerCapacity = 10 * MaxLineLength

	// MaxBufferedLines is the maximum number of lines buffered per stream.
	MaxBufferedLines = 100
)

// OutputForwarder forwards one output stream (stdout or stderr) of a child
// service into the launcher's structured log. It buffers recent lines so
// crash diagnostics can replay the tail of a dead service's output.
type OutputForwarder struct {
	service string
	stream  string
	logger  *slog.Logger
	verbose bool

	// OnLine, when set, observes the byte length of each forwarded line.
	// Set before HandleReader starts; used for output rate tracking.
	OnLine func(n int)

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputForwarder creates a forwarder for one stream of a service.
func NewOutputForwarder(service, stream string, logger *slog.Logger, verbose bool) *OutputForwarder {
	return &OutputForwarder{
		service: service,
		stream:  stream,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads from an io.Reader and processes each line.
// This should be run in a goroutine; it returns when the reader closes.
func (f *OutputForwarder) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Python tracebacks and uvicorn access logs can run long
	scanner.Buffer(make([]byte, 0, MaxLineLength), scannerCapacity)

	for scanner.Scan() {
		line := scanner.Text()
		f.HandleLine(line)
	}

	if err := scanner.Err(); err != nil {
		// A scan failure must not stop the drain: the child blocks on
		// write once the pipe buffer fills.
		f.logger.Warn("service_output_scan_failed",
			"service", f.service,
			"stream", f.stream,
			"error", err,
		)
		_, _ = io.Copy(io.Discard, r)
	}
}

// HandleLine processes a single line of service output.
func (f *OutputForwarder) HandleLine(line string) {
	if f.OnLine != nil {
		f.OnLine(len(line) + 1) // +1 for the stripped newline
	}

	// Truncate if too long
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	// Store in circular buffer
	f.mu.Lock()
	f.buffer[f.bufIdx] = line
	f.bufIdx = (f.bufIdx + 1) % MaxBufferedLines
	f.mu.Unlock()

	f.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (f *OutputForwarder) logLine(line string) {
	level := f.classifyLine(line)

	// In non-verbose mode, only surface warnings and errors
	if !f.verbose && level == slog.LevelDebug {
		return
	}

	f.logger.Log(nil, level, "service_output",
		"service", f.service,
		"stream", f.stream,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
// Python services log INFO to stderr, so the stream alone says nothing
// about severity.
func (f *OutputForwarder) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Error patterns
	if strings.Contains(lower, "traceback") ||
		strings.Contains(lower, "exception") ||
		strings.Contains(lower, "critical") ||
		strings.Contains(lower, "address already in use") ||
		strings.Contains(lower, "connection refused") ||
		(strings.Contains(lower, "error") && !strings.Contains(lower, "0 errors")) {
		return slog.LevelWarn
	}

	// Warning patterns
	if strings.Contains(lower, "warning") ||
		strings.Contains(lower, "warn") ||
		strings.Contains(lower, "retrying") ||
		strings.Contains(lower, "deprecated") {
		return slog.LevelWarn
	}

	// Everything else is line noise unless -v
	return slog.LevelDebug
}

// RecentLines returns the most recent lines from the buffer.
func (f *OutputForwarder) RecentLines(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (f.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if f.buffer[idx] != "" {
			lines = append(lines, f.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are common failure signatures extracted for the exit summary.
var ErrorPatterns = []string{
	"Traceback",
	"ModuleNotFoundError",
	"Address already in use",
	"Connection refused",
	"timeout",
	"401",
	"404",
	"500",
	"503",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (f *OutputForwarder) CountErrors() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range f.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
