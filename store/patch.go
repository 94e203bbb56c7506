package store

import (
	"encoding/json"
	"fmt"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

func invalidPatch(format string, args ...any) error {
	return protocol.Errorf(protocol.KindInvalidPatch, format, args...)
}

// checkPatch validates the parts of a patch that do not depend on the
// current document.
func checkPatch(p Patch) error {
	if p.Field == "" {
		return invalidPatch("patch has no property")
	}
	if p.Field == protocol.FieldID || p.Field == protocol.FieldCollection {
		return invalidPatch("property %q cannot be modified", p.Field)
	}
	if !p.Type.Valid() {
		return invalidPatch("unknown patch type %d", int(p.Type))
	}
	if (p.Type == protocol.PatchDictInsert || p.Type == protocol.PatchDictDelete) && p.Args.Key == "" {
		return invalidPatch("%s on %q requires a key", p.Type, p.Field)
	}
	if p.Type != protocol.PatchListPop && p.Type != protocol.PatchDictDelete && len(p.Value) == 0 {
		return invalidPatch("%s on %q requires a value", p.Type, p.Field)
	}
	return nil
}

// applyPatch mutates doc in place. List and dict patches on an absent field
// start from an empty container. Pops on an empty list and deletes of
// missing elements are no-ops.
func applyPatch(doc Document, p Patch) error {
	if err := checkPatch(p); err != nil {
		return err
	}

	switch p.Type {
	case protocol.PatchSet:
		doc[p.Field] = p.Value
		return nil

	case protocol.PatchListAppend, protocol.PatchListPop, protocol.PatchListInsert, protocol.PatchListDelete:
		list, err := listField(doc, p.Field)
		if err != nil {
			return err
		}
		list = patchList(list, p)
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}
		doc[p.Field] = data
		return nil

	case protocol.PatchDictInsert, protocol.PatchDictDelete:
		dict, err := dictField(doc, p.Field)
		if err != nil {
			return err
		}
		if p.Type == protocol.PatchDictInsert {
			dict[p.Args.Key] = p.Value
		} else {
			delete(dict, p.Args.Key)
		}
		data, err := json.Marshal(dict)
		if err != nil {
			return err
		}
		doc[p.Field] = data
		return nil
	}
	return invalidPatch("unknown patch type %d", int(p.Type))
}

// patchList applies a list patch to a decoded list.
func patchList(list []json.RawMessage, p Patch) []json.RawMessage {
	switch p.Type {
	case protocol.PatchListAppend:
		return append(list, p.Value)
	case protocol.PatchListPop:
		if len(list) == 0 {
			return list
		}
		if p.Args.PopLeft {
			return list[1:]
		}
		return list[:len(list)-1]
	case protocol.PatchListInsert:
		idx := insertIndex(p.Args.InsertIndex, len(list))
		out := make([]json.RawMessage, 0, len(list)+1)
		out = append(out, list[:idx]...)
		out = append(out, p.Value)
		return append(out, list[idx:]...)
	case protocol.PatchListDelete:
		for i, el := range list {
			if jsonEqual(el, p.Value) {
				out := make([]json.RawMessage, 0, len(list)-1)
				out = append(out, list[:i]...)
				return append(out, list[i+1:]...)
			}
		}
	}
	return list
}

// insertIndex clamps idx into [0, n]. Negative indexes count from the end.
func insertIndex(idx, n int) int {
	if idx < 0 {
		idx += n
		if idx < 0 {
			idx = 0
		}
	}
	if idx > n {
		idx = n
	}
	return idx
}

func listField(doc Document, field string) ([]json.RawMessage, error) {
	raw, ok := doc[field]
	if !ok || isNull(raw) {
		return []json.RawMessage{}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, invalidPatch("property %q is not a list", field)
	}
	if list == nil {
		list = []json.RawMessage{}
	}
	return list, nil
}

func dictField(doc Document, field string) (map[string]json.RawMessage, error) {
	raw, ok := doc[field]
	if !ok || isNull(raw) {
		return map[string]json.RawMessage{}, nil
	}
	var dict map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, invalidPatch("property %q is not a dict", field)
	}
	if dict == nil {
		dict = map[string]json.RawMessage{}
	}
	return dict, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// describePatch is used in log and error messages.
func describePatch(collection, id string, p Patch) string {
	return fmt.Sprintf("%s %s on %s/%s", p.Type, p.Field, collection, id)
}
