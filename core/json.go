package core

import (
	"encoding/json"
	"os"
)

// SaveJSON writes v to path as indented JSON via a temp-file-then-rename,
// so a crash mid-write never leaves a half-written metadata file behind.
func SaveJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return NewIOError("marshal json", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return NewIOError("write temp json: "+tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewIOError("rename temp json to "+path, err)
	}
	return nil
}

// LoadJSON reads path and unmarshals it into v.
func LoadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return NewIOError("read json: "+path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return NewIOError("unmarshal json: "+path, err)
	}
	return nil
}
