package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupContainers(t *testing.T) {
	entries := []Entry{
		{ID: 3, Type: "Ruten", Nickname: "shop", Title: "b"},
		{ID: 1, Type: "Baidu", Nickname: "z", Title: "c"},
		{ID: 4, Type: "Baidu", Nickname: "a", Title: "b"},
		{ID: 2, Type: "Baidu", Nickname: "a", Title: "a"},
		{ID: 5, Type: "Baidu", Nickname: "a", Title: "a"},
	}

	got := GroupContainers(entries)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Nickname)
	assert.Equal(t, "z", got[1].Nickname)
	assert.Equal(t, "Ruten", got[2].Type)

	var ids []int64
	for _, e := range got[0].List {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{2, 5, 4}, ids, "title order, ties broken by id")

	assert.Nil(t, GroupContainers(nil))
}

func TestDedupKey(t *testing.T) {
	e := Entry{ID: 9, Type: "Baidu", Nickname: "MMD Teiba", Title: "T", Href: "H", Img: "I", IsNoticed: true}
	key := e.Key()
	assert.Equal(t, `{"containerType":"Baidu","nickname":"MMD Teiba","title":"T","href":"H","img":"I"}`, key.String())

	other := e
	other.Title = "t"
	assert.NotEqual(t, key, other.Key(), "matching is case-sensitive")

	req := AddRequest{Type: "Baidu", Nickname: "MMD Teiba", Title: "T", Href: "H", Img: "I"}
	assert.Equal(t, key, req.Entry().Key(), "id and notice state are not part of the key")
}
