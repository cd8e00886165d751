package convo

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.json
var embedded embed.FS

var extensions = []string{".json", ".yaml", ".yml"}

// Library lists and loads conversations from a directory, falling back to
// the built-in scripts. Files in the directory shadow built-ins of the
// same name.
type Library struct {
	dir string
}

// NewLibrary returns a library reading from dir. An empty dir uses only
// the built-in scripts.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// List returns the sorted names of all available conversations.
func (l *Library) List() ([]string, error) {
	names, err := scriptNames(embedded, "data")
	if err != nil {
		return nil, fmt.Errorf("list built-in conversations: %w", err)
	}
	if l.dir != "" {
		local, err := scriptNames(os.DirFS(l.dir), ".")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list conversations in %s: %w", l.dir, err)
		}
		names = append(names, local...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Load reads the named conversation.
func (l *Library) Load(name string) (*Conversation, error) {
	if l.dir != "" {
		for _, ext := range extensions {
			data, err := os.ReadFile(filepath.Join(l.dir, name+ext))
			if err == nil {
				return Parse(name, data)
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read conversation %q: %w", name, err)
			}
		}
	}
	data, err := embedded.ReadFile("data/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return Parse(name, data)
}

func scriptNames(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if slices.Contains(extensions, ext) {
			names = append(names, strings.TrimSuffix(e.Name(), ext))
		}
	}
	return names, nil
}

type fileData struct {
	Name   string       `yaml:"name"`
	Script []actionData `yaml:"script"`
}

type actionData struct {
	Action string    `yaml:"action"`
	Who    string    `yaml:"who"`
	What   yaml.Node `yaml:"what"`
}

// Parse decodes a conversation file. The name recorded in the file must
// match name. JSON input is accepted since YAML is a superset of it.
func Parse(name string, data []byte) (*Conversation, error) {
	var f fileData
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalid, name, err)
	}
	if f.Name != name {
		return nil, fmt.Errorf("%w: file for %q is named %q", ErrInvalid, name, f.Name)
	}

	c := &Conversation{Name: name}
	for i, ad := range f.Script {
		a, err := parseAction(ad)
		if err != nil {
			return nil, fmt.Errorf("convo %s: action %d: %w", name, i, err)
		}
		c.Actions = append(c.Actions, a)
	}
	return c, nil
}

func parseAction(ad actionData) (Action, error) {
	switch ad.Action {
	case "say", "trigger":
		who, err := ParseRole(ad.Who)
		if err != nil {
			return nil, err
		}
		var what string
		if err := ad.What.Decode(&what); err != nil || what == "" {
			return nil, fmt.Errorf("%w: %s needs a string \"what\"", ErrInvalid, ad.Action)
		}
		if ad.Action == "say" {
			return Say{Who: who, Text: what}, nil
		}
		return Trigger{Who: who, Animation: what}, nil

	case "group":
		var subs []actionData
		if err := ad.What.Decode(&subs); err != nil {
			return nil, fmt.Errorf("%w: group needs a list of actions", ErrInvalid)
		}
		g := make(Group, 0, len(subs))
		for _, sub := range subs {
			a, err := parseAction(sub)
			if err != nil {
				return nil, err
			}
			g = append(g, a)
		}
		return g, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalid, ad.Action)
}
