package sink

import (
	"context"
	"os"
	"path/filepath"
)

// CSV writes the result table to a file, or to stdout when Path is "-".
type CSV struct {
	Path string
}

func (c *CSV) Name() string { return "csv" }

func (c *CSV) Write(_ context.Context, b Batch) error {
	t, err := b.Result.Table(b.Prefix)
	if err != nil {
		return wrap(c.Name(), err)
	}
	if c.Path != "-" {
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return wrap(c.Name(), err)
			}
		}
	}
	if err := t.WriteFile(c.Path); err != nil {
		return wrap(c.Name(), err)
	}
	return nil
}
