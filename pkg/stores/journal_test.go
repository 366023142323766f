package stores_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/engine/phases"
	"github.com/openfroyo/provision/pkg/providers"
	"github.com/openfroyo/provision/pkg/registry"
	"github.com/openfroyo/provision/pkg/stores"
	"github.com/openfroyo/provision/pkg/version"
)

func TestEngineJournalsIntoStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	journal, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(root, "journal.db")})
	require.NoError(t, err)
	require.NoError(t, journal.Init(ctx))
	require.NoError(t, journal.Migrate(ctx))
	defer journal.Close()

	reg, err := registry.New(filepath.Join(root, "registry"))
	require.NoError(t, err)
	_, err = reg.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)
	profile, err := reg.GetProfile("p")
	require.NoError(t, err)

	e := engine.New(reg, providers.NewRegistry(), engine.WithTransactionRecorder(journal))
	op, err := engine.NewUnitOperand(nil, &engine.Unit{ID: "a", Version: version.MustParse("1.0.0")})
	require.NoError(t, err)

	st := e.Perform(ctx, profile, phases.DefaultSet(), []engine.Operand{op}, nil)
	require.True(t, st.IsOK(), st.Error())

	txs, err := journal.ListTransactions(ctx, stores.TransactionFilter{ProfileID: "p"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, engine.TransactionDone, tx.State)
	assert.Equal(t, engine.SeverityOK, tx.Severity)
	assert.NotNil(t, tx.CompletedAt)
	assert.NotZero(t, tx.SnapshotTimestamp)

	steps, err := journal.ListSteps(ctx, tx.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, engine.StepPhaseStart, steps[0].Kind)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Sequence)
	}
}
