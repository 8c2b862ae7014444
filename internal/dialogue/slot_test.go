package dialogue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotValue_Accessors(t *testing.T) {
	s := StringSlot("Corte")
	v, ok := s.AsString()
	assert.True(t, ok)
	assert.Equal(t, "Corte", v)

	_, ok = s.AsNumber()
	assert.False(t, ok)
}

func TestFromInterface_RoundTrip(t *testing.T) {
	raw := map[string]interface{}{
		"preferred_date": "2025-10-16",
		"price":          float64(25),
		"confirmed":      true,
		"tags":           []interface{}{"vip", "repeat"},
	}
	v := FromInterface(raw)
	obj, ok := v.AsObject()
	require.True(t, ok)

	date, _ := obj["preferred_date"].AsString()
	assert.Equal(t, "2025-10-16", date)

	price, _ := obj["price"].AsNumber()
	assert.Equal(t, float64(25), price)

	confirmed, _ := obj["confirmed"].AsBool()
	assert.True(t, confirmed)

	tags, _ := obj["tags"].AsList()
	require.Len(t, tags, 2)
	tag0, _ := tags[0].AsString()
	assert.Equal(t, "vip", tag0)

	assert.Equal(t, raw, v.ToInterface())
}

func TestSlotValue_JSONMarshaling(t *testing.T) {
	v := ObjectSlot(map[string]SlotValue{
		"booking_id": StringSlot("bk-123"),
	})
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"booking_id":"bk-123"}`, string(data))

	var decoded SlotValue
	require.NoError(t, json.Unmarshal(data, &decoded))
	obj, ok := decoded.AsObject()
	require.True(t, ok)
	id, _ := obj["booking_id"].AsString()
	assert.Equal(t, "bk-123", id)
}

func TestCanonicalJSON_SortsKeysDeterministically(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}
	assert.Equal(t, string(CanonicalArgsJSON(a)), string(CanonicalArgsJSON(b)))
	assert.Equal(t, `{"a":2,"b":1}`, string(CanonicalArgsJSON(a)))
}

func TestSlotMap_WithoutEphemeral(t *testing.T) {
	m := SlotMap{
		"booking_id":          StringSlot("bk-1"),
		"_available_services": ListSlot(nil),
		"_declared_visible":   StringSlot("kept"),
	}
	out := m.WithoutEphemeral(map[string]bool{"_declared_visible": true})
	_, hasBooking := out["booking_id"]
	_, hasEphemeral := out["_available_services"]
	_, hasDeclared := out["_declared_visible"]
	assert.True(t, hasBooking)
	assert.False(t, hasEphemeral)
	assert.True(t, hasDeclared)
}

func TestSlotMap_CloneIsIndependent(t *testing.T) {
	m := SlotMap{"x": StringSlot("y")}
	clone := m.Clone()
	clone["x"] = StringSlot("changed")
	orig, _ := m["x"].AsString()
	assert.Equal(t, "y", orig)
}

func TestNullSlot(t *testing.T) {
	n := NullSlot()
	assert.True(t, n.IsNull())
	assert.Equal(t, SlotKindNull, n.Kind())
}
