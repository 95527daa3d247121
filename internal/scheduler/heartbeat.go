package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultHeartbeatPriority = 5
	minHeartbeatPriority     = 1
	maxHeartbeatPriority     = 10
)

// HeartbeatTask is one checklist item parsed from the heartbeat file.
type HeartbeatTask struct {
	Description string
	Priority    int
	Timeout     time.Duration // zero means no per-task limit
	Once        bool
	Model       string
	line        string // original line, used for once-removal
}

var bracketTagRe = regexp.MustCompile(`\[(priority|timeout|model):([^\]\s]+)\]|\[once\]`)

// ParseHeartbeat extracts tasks from checklist markdown. Lines starting with
// "-" or "*" are tasks; bracket tags are stripped from the description and
// may appear in any order. Tasks come back sorted by priority, highest first.
func ParseHeartbeat(content string) []HeartbeatTask {
	var tasks []HeartbeatTask
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- ") && !strings.HasPrefix(trimmed, "* ") {
			continue
		}
		body := strings.TrimSpace(trimmed[2:])
		if body == "" {
			continue
		}
		task := HeartbeatTask{Priority: defaultHeartbeatPriority, line: line}
		body = bracketTagRe.ReplaceAllStringFunc(body, func(tag string) string {
			switch {
			case tag == "[once]":
				task.Once = true
			case strings.HasPrefix(tag, "[priority:"):
				if n, err := strconv.Atoi(tagValue(tag)); err == nil {
					task.Priority = clampPriority(n)
				}
			case strings.HasPrefix(tag, "[timeout:"):
				v := strings.TrimSuffix(tagValue(tag), "s")
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					task.Timeout = time.Duration(n) * time.Second
				}
			case strings.HasPrefix(tag, "[model:"):
				task.Model = tagValue(tag)
			}
			return ""
		})
		task.Description = strings.Join(strings.Fields(body), " ")
		if task.Description == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })
	return tasks
}

func tagValue(tag string) string {
	_, rest, _ := strings.Cut(tag, ":")
	return strings.TrimSuffix(rest, "]")
}

func clampPriority(n int) int {
	if n < minHeartbeatPriority {
		return minHeartbeatPriority
	}
	if n > maxHeartbeatPriority {
		return maxHeartbeatPriority
	}
	return n
}

// HeartbeatSource reads and maintains the checklist file.
type HeartbeatSource struct {
	Path   string
	Logger *slog.Logger
}

// Load parses the current file. A missing file yields no tasks.
func (h *HeartbeatSource) Load() ([]HeartbeatTask, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read heartbeat file: %w", err)
	}
	return ParseHeartbeat(string(data)), nil
}

// RemoveOnce rewrites the file without the given completed once-tasks. The
// rewrite goes through a temp file and rename so a crash never truncates the
// checklist.
func (h *HeartbeatSource) RemoveOnce(completed []HeartbeatTask) error {
	drop := make(map[string]bool, len(completed))
	for _, t := range completed {
		if t.Once {
			drop[t.line] = true
		}
	}
	if len(drop) == 0 {
		return nil
	}

	data, err := os.ReadFile(h.Path)
	if err != nil {
		return fmt.Errorf("read heartbeat file: %w", err)
	}
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if drop[line] {
			delete(drop, line) // drop each completed line once
			continue
		}
		kept = append(kept, line)
	}

	tmp := h.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return fmt.Errorf("write heartbeat temp: %w", err)
	}
	if err := os.Rename(tmp, h.Path); err != nil {
		return fmt.Errorf("replace heartbeat file: %w", err)
	}
	return nil
}

// Watch signals on changed whenever the checklist file is written or
// replaced. It returns a stop function.
func (h *HeartbeatSource) Watch(ctx context.Context, changed chan<- struct{}) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify watcher: %w", err)
	}
	// Watch the directory: editors and our own once-removal replace the
	// file by rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(h.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch heartbeat dir: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != h.Path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if h.Logger != nil {
					h.Logger.Warn("heartbeat watch error", "err", err)
				}
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
