package main

import (
	"context"
	"testing"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJournal struct {
	records []state.Record
}

func (j *memJournal) Save(_ context.Context, rec state.Record) error {
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) Load(context.Context) (state.Record, bool, error) {
	if len(j.records) == 0 {
		return state.Record{}, false, nil
	}
	return j.records[len(j.records)-1], true, nil
}

func (*memJournal) Close() error { return nil }

func TestCleanupRunsOnceInReverse(t *testing.T) {
	var order []string
	c := &cleanup{}
	c.add(func() { order = append(order, "first") })
	c.add(func() { order = append(order, "second") })

	c.run()
	c.run()

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRestorerRestoresOnce(t *testing.T) {
	ft := &fakeTransport{}
	j := &memJournal{}
	r := &restorer{transport: ft, journal: j, log: logger.Nop()}

	require.NoError(t, r.restore())
	require.NoError(t, r.restore())

	assert.Equal(t, 1, ft.count("automatic"))
	require.Len(t, j.records, 1)
	assert.Equal(t, state.ModeAutomatic, j.records[0].Mode)
}

func TestRestoreAutomaticFailure(t *testing.T) {
	ft := &fakeTransport{automaticErr: errBMC}
	j := &memJournal{}

	err := restoreAutomatic(ft, j, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrRestoreAutoFan))
	assert.True(t, errors.IsHardware(err))

	require.Len(t, j.records, 1)
	assert.Equal(t, state.ModeUnknown, j.records[0].Mode)
}
