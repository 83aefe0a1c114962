package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeSet(t *testing.T) {
	s := NewNodeSet("b", "a")
	s.Union(NewNodeSet("a", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Sorted())
	assert.True(t, s.Has("c"))
	assert.False(t, s.Has("d"))
}

func TestSortChannels(t *testing.T) {
	chs := []Channel{{ID: "sales", ProcessingOrder: 2}, {ID: "config", ProcessingOrder: 1}, {ID: "audit", ProcessingOrder: 2}}
	SortChannels(chs)
	assert.Equal(t, "config", chs[0].ID)
	assert.Equal(t, "audit", chs[1].ID)
	assert.Equal(t, "sales", chs[2].ID)
}

func TestTableVersionKeyValues(t *testing.T) {
	tv := &TableVersion{TableName: "item", Columns: []string{"id", "name"}, KeyColumns: []string{"ID"}}

	ins := &ChangeRecord{EventType: EventInsert, RowValues: Row{"5", "widget"}}
	assert.Equal(t, Row{"5"}, tv.KeyValues(ins))

	upd := &ChangeRecord{EventType: EventUpdate, RowValues: Row{"6", "widget"}, PreviousValues: Row{"5", "old"}}
	assert.Equal(t, Row{"5"}, tv.KeyValues(upd))

	explicit := &ChangeRecord{EventType: EventDelete, PrimaryKeyValues: Row{"9"}}
	assert.Equal(t, Row{"9"}, tv.KeyValues(explicit))

	assert.Equal(t, map[string]any{"ID": "5", "NAME": "widget"}, tv.RowMap(ins.RowValues))
}

func TestRouterConfigApplies(t *testing.T) {
	r := RouterConfig{Tables: []string{"SALE"}, SyncOnInsert: true}
	assert.True(t, r.AppliesTo("sale"))
	assert.False(t, r.AppliesTo("item"))
	assert.True(t, r.AppliesToEvent(EventInsert))
	assert.False(t, r.AppliesToEvent(EventDelete))
	assert.True(t, r.AppliesToEvent(EventSQL))
}
