package signaling

import (
	"testing"

	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	got []models.SignalMessage
}

func (r *recorder) HandleSignal(msg models.SignalMessage) {
	r.got = append(r.got, msg)
}

var allTypes = []models.SignalType{
	models.SignalTypeOffer,
	models.SignalTypeAnswer,
	models.SignalTypeCandidate,
	models.SignalTypeJoin,
	models.SignalTypeLeave,
	models.SignalTypePeerJoined,
	models.SignalTypePeerLeft,
	models.SignalTypeInvite,
	models.SignalTypeAccept,
	models.SignalTypeDecline,
	models.SignalTypeError,
}

func TestDispatcherSuppressesLoopbackForEveryType(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher("doctor-1", rec, zerolog.Nop())
	codec := Codec{}

	for _, typ := range allTypes {
		for _, to := range []string{"", "doctor-1"} {
			raw, err := codec.Marshal(typ, "room_42", "doctor-1", nil, to)
			require.NoError(t, err)
			assert.Equal(t, Loopback, d.Dispatch(raw), "type %s to %q", typ, to)
		}
	}
	assert.Empty(t, rec.got)
}

func TestDispatcherEchoModeDeliversOwnMessages(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher("doctor-1", rec, zerolog.Nop(), WithEcho())

	raw, err := Codec{}.Marshal(models.SignalTypeOffer, "room_42", "doctor-1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, Delivered, d.Dispatch(raw))
	assert.Len(t, rec.got, 1)
}

func TestDispatcherUnicastFiltering(t *testing.T) {
	tests := []struct {
		name string
		to   string
		want Verdict
	}{
		{"broadcast", "", Delivered},
		{"addressed to me", "patient-7", Delivered},
		{"addressed to someone else", "nurse-3", NotAddressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := NewDispatcher("patient-7", rec, zerolog.Nop())

			for _, typ := range allTypes {
				raw, err := Codec{}.Marshal(typ, "room_42", "doctor-1", nil, tt.to)
				require.NoError(t, err)
				assert.Equal(t, tt.want, d.Dispatch(raw), "type %s", typ)
			}
			if tt.want == Delivered {
				assert.Len(t, rec.got, len(allTypes))
			} else {
				assert.Empty(t, rec.got)
			}
		})
	}
}

func TestDispatcherDropsUnknownAndMalformed(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher("patient-7", rec, zerolog.Nop())

	assert.Equal(t, UnknownType, d.Dispatch([]byte(`{"type":"renegotiate","roomId":"r","from":"doctor-1","timestamp":1}`)))
	assert.Equal(t, Invalid, d.Dispatch([]byte(`not json`)))
	assert.Empty(t, rec.got)
	assert.Equal(t, "unknown-type", UnknownType.String())
}
