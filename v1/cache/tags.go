package cache

import "sync"

// tagIndex tracks which locally cached keys carry which tags, so tag
// invalidations can reach entries that only exist in the fallback. Both
// directions are kept: the index must never point at keys the fallback no
// longer holds.
type tagIndex struct {
	mu    sync.Mutex
	byTag map[string]map[string]struct{}
	byKey map[string]map[string]struct{}
}

func newTagIndex() *tagIndex {
	return &tagIndex{
		byTag: make(map[string]map[string]struct{}),
		byKey: make(map[string]map[string]struct{}),
	}
}

func (t *tagIndex) add(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tag := range tags {
		if t.byTag[tag] == nil {
			t.byTag[tag] = make(map[string]struct{})
		}
		t.byTag[tag][key] = struct{}{}
		if t.byKey[key] == nil {
			t.byKey[key] = make(map[string]struct{})
		}
		t.byKey[key][tag] = struct{}{}
	}
}

func (t *tagIndex) dropKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropKeyLocked(key)
}

func (t *tagIndex) dropKeys(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		t.dropKeyLocked(key)
	}
}

func (t *tagIndex) dropKeyLocked(key string) {
	for tag := range t.byKey[key] {
		delete(t.byTag[tag], key)
		if len(t.byTag[tag]) == 0 {
			delete(t.byTag, tag)
		}
	}
	delete(t.byKey, key)
}

// dropTag removes the tag and returns the keys that carried it.
func (t *tagIndex) dropTag(tag string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.byTag[tag]))
	for key := range t.byTag[tag] {
		keys = append(keys, key)
		delete(t.byKey[key], tag)
		if len(t.byKey[key]) == 0 {
			delete(t.byKey, key)
		}
	}
	delete(t.byTag, tag)
	return keys
}
