package store

import (
	"context"

	"github.com/goccy/go-json"
)

// viewManager indexes the registered views by the collection they observe,
// so the write path can find "which views need map/unmap for this write" in
// one lookup instead of scanning every view on every write.
type viewManager struct {
	byCollection map[string][]ViewConfig
}

func newViewManager(views []ViewConfig) *viewManager {
	vm := &viewManager{byCollection: map[string][]ViewConfig{}}
	for _, v := range views {
		vm.byCollection[v.Observes] = append(vm.byCollection[v.Observes], v)
	}
	return vm
}

// mapAll calls UpsertView, inside tx, for every view observing collection on
// uri with the fields extracted from data. A document missing one of a
// view's keys is simply not indexed by that view (§4.5): any row a previous
// version left for uri is removed, and this is not an error and does not
// abort the write.
func (vm *viewManager) mapAll(ctx context.Context, tx Tx, collection, collectionReference, uri string, rawJSON string) error {
	views := vm.byCollection[collection]
	if len(views) == 0 {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(rawJSON), &data); err != nil {
		return nil
	}
	for _, v := range views {
		keys, ok := extractKeys(data, v.Keys)
		if !ok {
			if err := tx.DeleteView(ctx, v.Name, uri); err != nil {
				return err
			}
			continue
		}
		if err := tx.UpsertView(ctx, v.Name, uri, collectionReference, keys); err != nil {
			return err
		}
	}
	return nil
}

// unmapAll calls DeleteView, inside tx, for every view observing collection.
func (vm *viewManager) unmapAll(ctx context.Context, tx Tx, collection, uri string) error {
	for _, v := range vm.byCollection[collection] {
		if err := tx.DeleteView(ctx, v.Name, uri); err != nil {
			return err
		}
	}
	return nil
}

// extractKeys pulls each of keys out of data, stringifying scalar JSON
// values. It returns ok=false if any key is absent, per the "skip if a
// required key is missing" rule.
func extractKeys(data map[string]interface{}, keys []string) (map[string]string, bool) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, present := data[k]
		if !present {
			return nil, false
		}
		out[k] = stringifyJSONValue(v)
	}
	return out, true
}

func stringifyJSONValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
