package ingestion

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/oracle"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	got    []event.Event
	result *core.Result
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (*core.Result, error) {
	f.got = append(f.got, evt)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &core.Result{Sequence: int64(len(f.got))}, nil
}

func signedMessage(t *testing.T, sim *oracle.Simulator, id common.Hash) []byte {
	t.Helper()
	msg, err := sim.Fulfill(id, 3, 4)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func newSim(t *testing.T) *oracle.Simulator {
	t.Helper()
	sim, err := oracle.NewSimulator(nil, []common.Hash{common.HexToHash("0x01")})
	require.NoError(t, err)
	return sim
}

// ===== Test: parser =====

func TestParseFulfillment_RecoversSigner(t *testing.T) {
	sim := newSim(t)
	id := common.HexToHash("0xabc")
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	evt, err := ParseFulfillment(signedMessage(t, sim, id), at)
	require.NoError(t, err)
	assert.Equal(t, sim.Address(), evt.Caller())
	assert.Equal(t, id, evt.CorrelationID)
	assert.Equal(t, at, evt.BlockContext().Time)

	words, err := oracle.RandomWords(evt.Payload)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, words)
}

func TestParseFulfillment_Rejects(t *testing.T) {
	sim := newSim(t)
	at := time.Now()

	_, err := ParseFulfillment([]byte("{not json"), at)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = ParseFulfillment(signedMessage(t, sim, common.Hash{}), at)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	var msg oracle.FulfillmentMessage
	require.NoError(t, json.Unmarshal(signedMessage(t, sim, common.HexToHash("0x1")), &msg))
	msg.Signature = msg.Signature[:10]
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = ParseFulfillment(data, at)
	assert.ErrorIs(t, err, oracle.ErrBadSignature)
}

func TestParseFulfillment_TamperedPayloadChangesSigner(t *testing.T) {
	sim := newSim(t)
	var msg oracle.FulfillmentMessage
	require.NoError(t, json.Unmarshal(signedMessage(t, sim, common.HexToHash("0x1")), &msg))
	msg.Payload = oracle.EncodeWords(5, 5)
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	evt, err := ParseFulfillment(data, time.Now())
	if err == nil {
		assert.NotEqual(t, sim.Address(), evt.Caller())
	}
}

// ===== Test: subscriber =====

func TestFulfillmentSubscriber_Dispositions(t *testing.T) {
	sim := newSim(t)
	good := signedMessage(t, sim, common.HexToHash("0x42"))

	tests := []struct {
		name string
		data []byte
		sub  *fakeSubmitter
		want disposition
	}{
		{"settled", good, &fakeSubmitter{}, ackDone},
		{"ignored", good, &fakeSubmitter{result: &core.Result{Ignored: "superseded"}}, ackDone},
		{"duplicate", good, &fakeSubmitter{result: &core.Result{Duplicate: true}}, ackDone},
		{"payout failure", good, &fakeSubmitter{err: core.ErrInsufficientFunds}, nakRetry},
		{"other error", good, &fakeSubmitter{err: errors.New("boom")}, ackDrop},
		{"garbage", []byte("nope"), &fakeSubmitter{}, ackDrop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := NewFulfillmentSubscriber(nil, tt.sub, nil, zerolog.Nop())
			assert.Equal(t, tt.want, fs.handle(context.Background(), tt.data, time.Now()))
		})
	}
}

func TestFulfillmentSubscriber_DropsBeforeSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	fs := NewFulfillmentSubscriber(nil, sub, nil, zerolog.Nop())
	fs.handle(context.Background(), []byte(`{"correlation_id":"0x01"}`), time.Now())
	assert.Empty(t, sub.got)
}

// ===== Test: publisher =====

func TestBuildRecords(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 9, Timestamp: time.Unix(1, 0).UTC()},
		Records: []event.Record{
			&event.OutcomeRecord{Player: player, Stake: 5, Delta: 5},
		},
	}

	recs := BuildRecords(out)
	require.Len(t, recs, 1)
	assert.Equal(t, "dice.records.outcome.0x00000000000000000000000000000000000a11ce", recs[0].Subject())
	assert.Equal(t, "9-0", recs[0].MsgID())

	data, err := json.Marshal(recs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"record_type":"Outcome"`)
	assert.Contains(t, string(data), `"stake":5`)
	assert.Contains(t, string(data), `"delta":5`)
}

// ===== Test: command service =====

func TestCommandService_StampsCommands(t *testing.T) {
	sub := &fakeSubmitter{}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := NewCommandService(sub).WithClock(func() time.Time { return at })
	caller := common.HexToAddress("0xa11ce")

	_, err := svc.PlaceBet(context.Background(), caller, 1_000_000)
	require.NoError(t, err)
	_, err = svc.Withdraw(context.Background(), caller, 5)
	require.NoError(t, err)

	require.Len(t, sub.got, 2)
	bet, ok := sub.got[0].(*event.PlaceBet)
	require.True(t, ok)
	assert.Equal(t, caller, bet.Caller())
	assert.Equal(t, caller, bet.BlockContext().Origin)
	assert.Equal(t, at, bet.BlockContext().Time)
	assert.Equal(t, int64(1_000_000), bet.Stake)
	assert.IsType(t, &event.Withdraw{}, sub.got[1])
	assert.NotEqual(t, sub.got[0].IdempotencyKey(), sub.got[1].IdempotencyKey())
}

func TestCommandService_RequiresCaller(t *testing.T) {
	sub := &fakeSubmitter{}
	_, err := NewCommandService(sub).Mint(context.Background(), common.Address{}, common.HexToAddress("0x1"), 5)
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
	assert.Empty(t, sub.got)
}
