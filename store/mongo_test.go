package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

func TestPatchUpdate(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
		want  bson.M
	}{
		{"set", Patch{Field: "t", Type: protocol.PatchSet, Value: Raw("x")},
			bson.M{"$set": bson.M{"t": "x"}}},
		{"append", Patch{Field: "l", Type: protocol.PatchListAppend, Value: Raw("x")},
			bson.M{"$push": bson.M{"l": "x"}}},
		{"pop right", Patch{Field: "l", Type: protocol.PatchListPop},
			bson.M{"$pop": bson.M{"l": 1}}},
		{"pop left", Patch{Field: "l", Type: protocol.PatchListPop, Args: protocol.PatchArgs{PopLeft: true}},
			bson.M{"$pop": bson.M{"l": -1}}},
		{"insert", Patch{Field: "l", Type: protocol.PatchListInsert, Value: Raw("x"), Args: protocol.PatchArgs{InsertIndex: 2}},
			bson.M{"$push": bson.M{"l": bson.M{"$each": bson.A{"x"}, "$position": 2}}}},
		{"insert negative", Patch{Field: "l", Type: protocol.PatchListInsert, Value: Raw("x"), Args: protocol.PatchArgs{InsertIndex: -1}},
			bson.M{"$push": bson.M{"l": bson.M{"$each": bson.A{"x"}, "$position": -1}}}},
		{"dict insert", Patch{Field: "d", Type: protocol.PatchDictInsert, Value: Raw("x"), Args: protocol.PatchArgs{Key: "k"}},
			bson.M{"$set": bson.M{"d.k": "x"}}},
		{"dict delete", Patch{Field: "d", Type: protocol.PatchDictDelete, Args: protocol.PatchArgs{Key: "k"}},
			bson.M{"$unset": bson.M{"d.k": ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := patchUpdate(tt.patch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatchUpdateRejects(t *testing.T) {
	_, err := patchUpdate(Patch{Field: "l", Type: protocol.PatchListDelete, Value: Raw("x")})
	assert.True(t, errors.Is(err, protocol.ErrInvalidPatch))

	_, err = patchUpdate(Patch{Field: "t", Type: protocol.PatchSet, Value: []byte(`{"broken"`)})
	assert.True(t, errors.Is(err, protocol.ErrInvalidPatch))
}

func TestNullParentReset(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
		empty any
	}{
		{"append", Patch{Field: "l", Type: protocol.PatchListAppend, Value: Raw("x")}, bson.A{}},
		{"pop", Patch{Field: "l", Type: protocol.PatchListPop}, bson.A{}},
		{"insert", Patch{Field: "l", Type: protocol.PatchListInsert, Value: Raw("x")}, bson.A{}},
		{"dict insert", Patch{Field: "d", Type: protocol.PatchDictInsert, Value: Raw("x"), Args: protocol.PatchArgs{Key: "k"}}, bson.M{}},
		{"dict delete", Patch{Field: "d", Type: protocol.PatchDictDelete, Args: protocol.PatchArgs{Key: "k"}}, bson.M{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, update := nullParentReset("doc-1", tt.patch)
			assert.Equal(t, bson.M{"_id": "doc-1", tt.patch.Field: bson.M{"$type": "null"}}, filter)
			assert.Equal(t, bson.M{"$set": bson.M{tt.patch.Field: tt.empty}}, update)
		})
	}

	filter, update := nullParentReset("doc-1", Patch{Field: "t", Type: protocol.PatchSet, Value: Raw("x")})
	assert.Nil(t, filter)
	assert.Nil(t, update)
}

// A null container behaves like an absent one in the SQL store, which the
// Mongo reset mirrors.
func TestPatchNullParent(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
		want  string
	}{
		{"dict insert", Patch{Field: "d", Type: protocol.PatchDictInsert, Value: Raw(1), Args: protocol.PatchArgs{Key: "k"}}, `{"k":1}`},
		{"dict delete", Patch{Field: "d", Type: protocol.PatchDictDelete, Args: protocol.PatchArgs{Key: "k"}}, `{}`},
		{"append", Patch{Field: "d", Type: protocol.PatchListAppend, Value: Raw(1)}, `[1]`},
		{"pop", Patch{Field: "d", Type: protocol.PatchListPop}, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Document{"d": []byte("null")}
			require.NoError(t, applyPatch(doc, tt.patch))
			assert.JSONEq(t, tt.want, string(doc["d"]))
		})
	}
}
