package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

var errNotObject = errors.New("frame is not a JSON object")

// handlerTable maps a key to an ordered list of handlers. Not safe for
// concurrent use; the manager guards it with its own lock.
type handlerTable struct {
	nextID  uint64
	entries map[string][]handlerEntry
}

type handlerEntry struct {
	id uint64
	fn Handler
}

func newHandlerTable() handlerTable {
	return handlerTable{entries: make(map[string][]handlerEntry)}
}

// add appends fn under key and returns its id.
func (t *handlerTable) add(key string, fn Handler) uint64 {
	t.nextID++
	t.entries[key] = append(t.entries[key], handlerEntry{id: t.nextID, fn: fn})
	return t.nextID
}

// remove deletes one handler. removed is false if it was already gone;
// empty reports that key has no handlers left.
func (t *handlerTable) remove(key string, id uint64) (removed, empty bool) {
	list := t.entries[key]
	for i, e := range list {
		if e.id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(t.entries, key)
			return true, true
		}
		t.entries[key] = list
		return true, false
	}
	return false, len(list) == 0
}

// removeAll deletes every handler under key and reports whether any existed.
func (t *handlerTable) removeAll(key string) bool {
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

func (t *handlerTable) has(key string) bool {
	return len(t.entries[key]) > 0
}

// lookup appends the handlers for key to dst in registration order.
func (t *handlerTable) lookup(dst []Handler, key string) []Handler {
	for _, e := range t.entries[key] {
		dst = append(dst, e.fn)
	}
	return dst
}

// keys returns all keys, sorted.
func (t *handlerTable) keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseEnvelope extracts the routing keys of a frame. Anything that is not a
// JSON object is an error.
func parseEnvelope(data []byte) (envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return envelope{}, errNotObject
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}
