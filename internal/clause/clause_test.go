package clause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SplitsOnHeadings(t *testing.T) {
	t.Parallel()

	doc := `This Agreement is made between the parties.

# Liability
Supplier liability is unlimited.

## Termination
Either party may terminate on 30 days notice.

3.1 Confidentiality
Both parties keep information confidential.
`
	clauses, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, clauses, 4)

	assert.Equal(t, Clause{ID: "c1", Heading: "Preamble", Text: "This Agreement is made between the parties."}, clauses[0])
	assert.Equal(t, "Liability", clauses[1].Heading)
	assert.Equal(t, "Supplier liability is unlimited.", clauses[1].Text)
	assert.Equal(t, "Termination", clauses[2].Heading)
	assert.Equal(t, "3.1 Confidentiality", clauses[3].Heading)
	assert.Equal(t, "c4", clauses[3].ID)
}

func TestParse_DropsEmptySections(t *testing.T) {
	t.Parallel()

	clauses, err := Parse("# One\n\n# Two\nbody\n")
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "Two", clauses[0].Heading)
	assert.Equal(t, "c1", clauses[0].ID)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	_, err := Parse("   \n")
	assert.Error(t, err)

	_, err = Parse("# Only heading\n")
	assert.Error(t, err)
}

func TestIndex(t *testing.T) {
	t.Parallel()

	idx := Index([]Clause{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}})
	assert.Len(t, idx, 2)
	assert.Equal(t, "y", idx["b"].Text)
}
