package ir

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		Origin:        "node-a",
		Seq:           2,
		TransactionID: "tx-1",
		Type:          EventAssetUpdated,
		AssetID:       "player/alice/gold",
		Scope:         ScopePlayer,
		Schema:        "asset.delta",
		SchemaVersion: "1.0.0",
		Payload:       Object{"amount": String("-5")},
		Clock:         VectorClock{"node-a": 2, "node-b": 1},
		Parents:       []EventID{{Origin: "node-b", Seq: 1}, {Origin: "node-a", Seq: 1}},
		CreatedAt:     1700000000000,
	}
}

func TestEventIDStringAndParse(t *testing.T) {
	id := EventID{Origin: "eu:west:1", Seq: 42}
	assert.Equal(t, "eu:west:1:42", id.String())

	parsed, err := ParseEventID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "nocolon", ":5", "a:", "a:x"} {
		_, err := ParseEventID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompareEventIDs(t *testing.T) {
	assert.Negative(t, CompareEventIDs(EventID{"a", 9}, EventID{"b", 1}))
	assert.Negative(t, CompareEventIDs(EventID{"a", 1}, EventID{"a", 2}))
	assert.Zero(t, CompareEventIDs(EventID{"a", 1}, EventID{"a", 1}))
}

func TestNormalizeParents(t *testing.T) {
	got := NormalizeParents([]EventID{{"b", 1}, {"a", 2}, {"b", 1}})
	assert.Equal(t, []EventID{{"a", 2}, {"b", 1}}, got)
	assert.Nil(t, NormalizeParents(nil))
}

func TestEventHashStable(t *testing.T) {
	e := sampleEvent()
	h1 := MustEventHash(e)

	// Parent order and zero clock entries do not change identity.
	e2 := sampleEvent()
	e2.Parents = []EventID{{Origin: "node-a", Seq: 1}, {Origin: "node-b", Seq: 1}}
	e2.Clock["node-c"] = 0
	assert.Equal(t, h1, MustEventHash(e2))

	e3 := sampleEvent()
	e3.Payload = Object{"amount": String("-6")}
	assert.NotEqual(t, h1, MustEventHash(e3))
}

func TestEventJSONRoundTripPreservesHash(t *testing.T) {
	e := sampleEvent()
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, MustEventHash(e), MustEventHash(decoded))
	assert.Equal(t, e.ID(), decoded.ID())
}

func TestEventValidate(t *testing.T) {
	require.NoError(t, sampleEvent().Validate())

	bad := sampleEvent()
	bad.Clock = VectorClock{"node-a": 1}
	assert.Error(t, bad.Validate(), "clock must carry own seq")

	bad = sampleEvent()
	bad.Parents = []EventID{{Origin: "node-a", Seq: 2}}
	assert.Error(t, bad.Validate(), "self parent")

	bad = sampleEvent()
	bad.Parents = []EventID{{Origin: "node-c", Seq: 1}}
	assert.Error(t, bad.Validate(), "parent outside clock")

	bad = sampleEvent()
	bad.Type = "BOGUS"
	assert.Error(t, bad.Validate())
}

func TestConflictRecordRoundTrip(t *testing.T) {
	rec := ConflictRecord{
		Winner: EventID{"node-b", 1},
		Loser:  EventID{"node-a", 3},
		Reason: "concurrent update",
		Policy: "clock-sum",
	}
	parsed, err := ParseConflictRecord(rec.Object())
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, CodeUnknown, CodeOf(assert.AnError))
}

func TestEventAmount(t *testing.T) {
	ev := Event{Origin: "a", Seq: 1, Payload: Object{"amount": String("-12.50")}}
	d, ok, err := ev.Amount()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "-12.50", d.String())

	sum := new(apd.Decimal)
	require.NoError(t, AddAmount(sum, d))
	require.NoError(t, AddAmount(sum, apd.New(25, 0)))
	assert.Equal(t, "12.50", sum.String())

	_, ok, _ = Event{Payload: Object{}}.Amount()
	assert.False(t, ok)
	_, _, err = Event{Payload: Object{"amount": String("NaN")}}.Amount()
	assert.Error(t, err)
}
