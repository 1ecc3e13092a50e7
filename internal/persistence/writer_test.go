package persistence

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/ledger"
	"DiceLedger/migrations"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2)", placeholders(1, 2))
	assert.Equal(t, "($1, $2, $3), ($4, $5, $6)", placeholders(2, 3))
}

func TestRowsFromOutput(t *testing.T) {
	player := common.HexToAddress("0xa11ce")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := ledger.NewTokenLedger("DICE")
	session := l.Begin("cmd-1", 7, at)
	require.NoError(t, session.Mint(player, "DICE", 500))
	batch, err := session.Commit()
	require.NoError(t, err)

	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       7,
			IdempotencyKey: "cmd-1",
			EventType:      event.EventTypeFulfillment,
			Caller:         player,
			Timestamp:      at,
			Payload:        []byte(`{}`),
			StateHash:      [32]byte{1},
			PrevHash:       [32]byte{2},
		},
		Batch: batch,
		Records: []event.Record{
			&event.OutcomeRecord{Player: player, Stake: 1_000_000, Delta: -1_000_000, Dice1: 3, Dice2: 5},
		},
	}

	rows, err := RowsFromOutput(out)
	require.NoError(t, err)

	assert.Equal(t, int64(7), rows.Command.Sequence)
	assert.Equal(t, "Fulfillment", rows.Command.EventType)
	assert.Equal(t, player.Hex(), rows.Command.Caller)
	assert.Len(t, rows.Command.StateHash, 32)
	assert.Equal(t, byte(2), rows.Command.PrevHash[0])

	require.Len(t, rows.Records, 1)
	assert.Equal(t, "Outcome", rows.Records[0].RecordType)
	assert.Equal(t, player.Hex(), rows.Records[0].Account)
	assert.Contains(t, string(rows.Records[0].Payload), `"stake":1000000`)
	assert.Contains(t, string(rows.Records[0].Payload), `"delta":-1000000`)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, "mint", j.JournalType)
	assert.Equal(t, "external:mint:DICE", j.CreditAccount)
	assert.True(t, strings.HasPrefix(j.DebitAccount, "holder:"))
	assert.Equal(t, int64(500), j.Amount)
	assert.Equal(t, int64(7), j.Sequence)
}

func TestRowsFromOutput_NoBatch(t *testing.T) {
	rows, err := RowsFromOutput(core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 1, EventType: event.EventTypeInitialize}})
	require.NoError(t, err)
	assert.Empty(t, rows.Journals)
	assert.Empty(t, rows.Records)
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("b")},
		"000002_b.down.sql": {Data: []byte("-b")},
		"000001_a.up.sql":   {Data: []byte("a")},
		"000001_a.down.sql": {Data: []byte("-a")},
		"README":            {Data: []byte("x")},
	}
	all, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, "000001", all[0].Version)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "000001_a.up.sql", all[0].UpFile)
	assert.Equal(t, "000001_a.down.sql", all[0].DownFile)
	assert.Equal(t, "000002", all[1].Version)

	// sha256("a")
	assert.Equal(t, "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb", all[0].Checksum)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		want error
	}{
		{"missing down", fstest.MapFS{
			"000001_a.up.sql": {Data: []byte("a")},
		}, ErrUnpairedMigration},
		{"missing up", fstest.MapFS{
			"000001_a.down.sql": {Data: []byte("-a")},
		}, ErrUnpairedMigration},
		{"no version", fstest.MapFS{
			"init.up.sql":   {Data: []byte("a")},
			"init.down.sql": {Data: []byte("-a")},
		}, ErrBadMigrationName},
		{"version reused", fstest.MapFS{
			"000001_a.up.sql":   {Data: []byte("a")},
			"000001_b.down.sql": {Data: []byte("-b")},
		}, ErrBadMigrationName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fsys)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	all, err := LoadMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for _, mg := range all {
		assert.True(t, strings.HasPrefix(mg.UpFile, mg.Version+"_"), mg.UpFile)
		assert.NotEmpty(t, mg.Checksum)
	}
}
