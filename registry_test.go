package sqldb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStatementIdempotent(t *testing.T) {
	id1 := RegisterStatement("SELECT 1 /* registry idempotence */")
	id2 := RegisterStatement("SELECT 1 /* registry idempotence */")
	assert.Equal(t, id1, id2)

	sql, err := RegisteredStatement(id1)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 /* registry idempotence */", sql)
}

func TestRegisterStatementDistinctText(t *testing.T) {
	// interning is byte-exact: whitespace variants are distinct statements
	id1 := RegisterStatement("SELECT 2 /* registry distinct */")
	id2 := RegisterStatement("SELECT 2  /* registry distinct */")
	assert.NotEqual(t, id1, id2)
}

func TestRegisteredStatementUnknownID(t *testing.T) {
	_, err := RegisteredStatement(StatementID(1 << 30))
	require.Error(t, err)

	var kindErr *Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindInvalidArgument, kindErr.Kind)
}

func TestRegisterStatementConcurrent(t *testing.T) {
	const goroutines = 16
	const perG = 50

	var wg sync.WaitGroup
	ids := make([][]StatementID, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids[g] = make([]StatementID, perG)
			for i := 0; i < perG; i++ {
				ids[g][i] = RegisterStatement(
					fmt.Sprintf("SELECT %d /* concurrent registry */", i))
			}
		}(g)
	}
	wg.Wait()

	// every goroutine saw the same ID for the same text
	for g := 1; g < goroutines; g++ {
		assert.Equal(t, ids[0], ids[g])
	}
	for i, id := range ids[0] {
		sql, err := RegisteredStatement(id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("SELECT %d /* concurrent registry */", i), sql)
	}
}

func TestNumRegisteredStatementsGrows(t *testing.T) {
	before := NumRegisteredStatements()
	RegisterStatement("SELECT 'num registered statements grows'")
	assert.Equal(t, before+1, NumRegisteredStatements())
}
