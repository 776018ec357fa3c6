package toolbackend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// MockBackend serves the builtin tool set from memory. Used for dev
// runs and tests; the filesystem it exposes is a plain map.
type MockBackend struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMockBackend creates a mock backend with a small seeded sandbox.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		files: map[string]string{
			"/sandbox/readme.md": "welcome to the sandbox\n",
			"/sandbox/notes.txt": "scratch space\n",
		},
	}
}

// CallTool executes one of the builtin tools against the in-memory
// filesystem.
func (b *MockBackend) CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	switch tool {
	case "fs.list_dir":
		return b.listDir(args), nil
	case "fs.read_file":
		return b.readFile(args)
	case "fs.write_file":
		return b.writeFile(args)
	case "eval.echo":
		return args["text"], nil
	default:
		return nil, fmt.Errorf("mock backend has no tool %q", tool)
	}
}

// ListTools advertises the builtin tool set.
func (b *MockBackend) ListTools(ctx context.Context) ([]registry.ToolSpec, error) {
	return []registry.ToolSpec{
		{Name: "fs.list_dir", Description: "List files under a directory"},
		{Name: "fs.read_file", Description: "Read a file"},
		{Name: "fs.write_file", Description: "Write a file"},
		{Name: "eval.echo", Description: "Echo the text argument back"},
	}, nil
}

// Close is a no-op.
func (b *MockBackend) Close() error { return nil }

func (b *MockBackend) listDir(args map[string]interface{}) []string {
	dir, _ := args["path"].(string)
	if dir == "" {
		dir = "/sandbox"
	}
	dir = strings.TrimRight(dir, "/") + "/"

	b.mu.RLock()
	defer b.mu.RUnlock()
	var names []string
	for path := range b.files {
		if strings.HasPrefix(path, dir) {
			names = append(names, path)
		}
	}
	sort.Strings(names)
	return names
}

func (b *MockBackend) readFile(args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	b.mu.RLock()
	defer b.mu.RUnlock()
	content, ok := b.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (b *MockBackend) writeFile(args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("write_file requires a path")
	}
	b.mu.Lock()
	b.files[path] = content
	b.mu.Unlock()
	return map[string]interface{}{"written": len(content), "path": path}, nil
}

// Compile-time check against the backend port.
var _ outbound.ToolBackend = (*MockBackend)(nil)
