package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	table, err := NewTable([]Persona{
		{ID: "cat", Prompt: "meow"},
		{ID: "butler", Prompt: "at your service"},
	}, "butler")
	require.NoError(t, err)

	assert.Equal(t, "cat", table.Resolve("cat").ID)
	assert.Equal(t, "butler", table.Resolve("").ID)
	assert.Equal(t, "butler", table.Resolve("deleted").ID, "a stale override falls back to the default")
	assert.Equal(t, []string{"butler", "cat"}, []string{table.List()[0].ID, table.List()[1].ID})
}

func TestTable_NoDefault(t *testing.T) {
	table, err := NewTable(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Persona{}, table.Resolve("x"))

	var nilTable *Table
	assert.Equal(t, Persona{}, nilTable.Resolve("x"))
	assert.Empty(t, nilTable.List())
}

func TestNewTable_Errors(t *testing.T) {
	_, err := NewTable([]Persona{{ID: "a"}, {ID: "a"}}, "")
	assert.Error(t, err)
	_, err = NewTable([]Persona{{ID: ""}}, "")
	assert.Error(t, err)
	_, err = NewTable([]Persona{{ID: "a"}}, "b")
	assert.Error(t, err)
}
