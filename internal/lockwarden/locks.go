package lockwarden

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type GroupPic struct {
	File string `json:"file"`
	URL  string `json:"url"`
}

// LockSet is the persisted desired state. A missing key means the
// conversation (or member) is not locked.
type LockSet struct {
	GroupNames map[string]string            `json:"groupNames"`
	Nicknames  map[string]map[string]string `json:"nicknames"`
	Emojis     map[string]any               `json:"emojis"`
	AntiOut    map[string]any               `json:"antiOut"`
	GroupPics  map[string]GroupPic          `json:"groupPics"`
}

func NewLockSet() *LockSet {
	return &LockSet{
		GroupNames: map[string]string{},
		Nicknames:  map[string]map[string]string{},
		Emojis:     map[string]any{},
		AntiOut:    map[string]any{},
		GroupPics:  map[string]GroupPic{},
	}
}

func (l *LockSet) normalize() {
	if l.GroupNames == nil {
		l.GroupNames = map[string]string{}
	}
	if l.Nicknames == nil {
		l.Nicknames = map[string]map[string]string{}
	}
	for threadID, members := range l.Nicknames {
		if members == nil {
			delete(l.Nicknames, threadID)
		}
	}
	if l.Emojis == nil {
		l.Emojis = map[string]any{}
	}
	if l.AntiOut == nil {
		l.AntiOut = map[string]any{}
	}
	if l.GroupPics == nil {
		l.GroupPics = map[string]GroupPic{}
	}
}

func (l *LockSet) Clone() *LockSet {
	if l == nil {
		return NewLockSet()
	}
	out := &LockSet{
		GroupNames: copyStringMap(l.GroupNames),
		Nicknames:  make(map[string]map[string]string, len(l.Nicknames)),
		Emojis:     make(map[string]any, len(l.Emojis)),
		AntiOut:    make(map[string]any, len(l.AntiOut)),
		GroupPics:  make(map[string]GroupPic, len(l.GroupPics)),
	}
	for threadID, members := range l.Nicknames {
		out.Nicknames[threadID] = copyStringMap(members)
	}
	for k, v := range l.Emojis {
		out.Emojis[k] = v
	}
	for k, v := range l.AntiOut {
		out.AntiOut[k] = v
	}
	for k, v := range l.GroupPics {
		out.GroupPics[k] = v
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const locksSchemaURL = "https://schemas.agentworkforce.dev/lockwarden/locks.json"

const locksSchemaDocument = `{
  "type": "object",
  "properties": {
    "groupNames": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string"}
    },
    "nicknames": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": ["object", "null"],
        "additionalProperties": {"type": "string"}
      }
    },
    "emojis": {"type": ["object", "null"]},
    "antiOut": {"type": ["object", "null"]},
    "groupPics": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "properties": {
          "file": {"type": "string"},
          "url": {"type": "string"}
        },
        "required": ["file"]
      }
    }
  }
}`

var (
	locksSchemaOnce sync.Once
	locksSchema     *jsonschema.Schema
	locksSchemaErr  error
)

func compiledLocksSchema() (*jsonschema.Schema, error) {
	locksSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(locksSchemaDocument))
		if err != nil {
			locksSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(locksSchemaURL, doc); err != nil {
			locksSchemaErr = err
			return
		}
		locksSchema, locksSchemaErr = compiler.Compile(locksSchemaURL)
	})
	return locksSchema, locksSchemaErr
}

// decodeLockSet validates a plain-JSON lock document against the schema
// before decoding it.
func decodeLockSet(data []byte) (*LockSet, error) {
	schema, err := compiledLocksSchema()
	if err != nil {
		return nil, fmt.Errorf("compile locks schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse locks document: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid locks document: %w", err)
	}
	var locks LockSet
	if err := json.Unmarshal(data, &locks); err != nil {
		return nil, err
	}
	locks.normalize()
	return &locks, nil
}

func encodeLockSet(locks *LockSet) ([]byte, error) {
	if locks == nil {
		locks = NewLockSet()
	}
	return json.MarshalIndent(locks, "", "  ")
}
