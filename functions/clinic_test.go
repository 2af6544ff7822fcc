package functions

import (
	"context"
	"errors"
	"testing"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	store.Store
}

func (failingStore) Append(context.Context, string, store.Record) error {
	return errors.New("read-only file system")
}

func newClinicRegistry(t *testing.T, s store.Store) *Registry {
	t.Helper()
	c, err := NewClinic(s)
	require.NoError(t, err)
	r := newRegistry(t)
	require.NoError(t, c.Register(r))
	return r
}

func call(name string, params map[string]string) *assistant.ServerEventParamFunctionCall {
	return &assistant.ServerEventParamFunctionCall{Name: name, Parameters: params}
}

func TestScheduleAppointment(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newClinicRegistry(t, s)
	out := &recordingSender{}

	err := r.Dispatch(ctx, call(FuncScheduleAppointments, map[string]string{
		"user_id":  "u1",
		"datetime": "2024-05-01T10:00",
		"reason":   "checkup",
		"doctor":   "Lee",
	}), out)
	require.NoError(t, err)

	recs, err := s.Query(ctx, store.DomainAppointments, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "u1, 2024-05-01T10:00, checkup, Lee", recs[0].String())

	require.Len(t, out.events, 2)
	assert.Equal(t, "Successfully scheduled appointment", outputOf(t, out.events[0]).Output)
	instructions := followUpOf(t, out.events[1]).Instructions
	assert.Contains(t, instructions, "2024-05-01T10:00")
	assert.Contains(t, instructions, "Lee")
}

func TestListUpcomingAppointments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newClinicRegistry(t, s)

	t.Run("zero matches still acknowledged", func(t *testing.T) {
		out := &recordingSender{}
		require.NoError(t, r.Dispatch(ctx, call(FuncListUpcomingAppointments, map[string]string{"user_id": "u1"}), out))
		require.NotEmpty(t, out.events)
		assert.Equal(t, "Found 0 upcoming appointments", outputOf(t, out.events[0]).Output)
	})

	require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u1", "2024-05-01T10:00", "checkup", "Lee"}))
	require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u2", "2024-05-01T11:00", "flu", "Kim"}))
	require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u1", "2024-05-09T09:00", "x-ray", "Patel"}))

	t.Run("reports count and first record", func(t *testing.T) {
		out := &recordingSender{}
		require.NoError(t, r.Dispatch(ctx, call(FuncListUpcomingAppointments, map[string]string{"user_id": "u1"}), out))
		require.Len(t, out.events, 2)
		o := outputOf(t, out.events[0]).Output
		assert.Contains(t, o, "Found 2 upcoming appointments")
		assert.Contains(t, o, "2024-05-01T10:00")
		assert.Contains(t, o, "Lee")
	})
}

func TestRecordingHandlers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := newClinicRegistry(t, s)

	out := &recordingSender{}
	require.NoError(t, r.Dispatch(ctx, call(FuncRequestPrescriptionRefill, map[string]string{
		"user_id": "u7", "medication": "lisinopril", "pharmacy": "Main St",
	}), out))
	require.NoError(t, r.Dispatch(ctx, call(FuncSendMessageToDoctor, map[string]string{
		"user_id": "u7", "doctor": "Lee", "message": "my dose feels high",
	}), out))
	require.Len(t, out.events, 4)
	assert.Equal(t, "Prescription refill requested", outputOf(t, out.events[0]).Output)
	assert.Equal(t, "Message sent", outputOf(t, out.events[2]).Output)

	rx, err := s.Query(ctx, store.DomainPrescriptions, "u7")
	require.NoError(t, err)
	assert.Equal(t, []store.Record{{"u7", "lisinopril", "Main St"}}, rx)
	msgs, err := s.Query(ctx, store.DomainMessages, "u7")
	require.NoError(t, err)
	assert.Equal(t, []store.Record{{"u7", "Lee", "my dose feels high"}}, msgs)
}

func TestOpenTestResultsPage(t *testing.T) {
	r := newClinicRegistry(t, store.NewMemoryStore())
	out := &recordingSender{}
	require.NoError(t, r.Dispatch(context.Background(), call(FuncOpenTestResultsPage, map[string]string{"user_id": "u1"}), out))
	require.Len(t, out.events, 2)
	assert.Equal(t, "Test results page opened!", outputOf(t, out.events[0]).Output)
	assert.Equal(t, "Tell the user the test results page is open.", followUpOf(t, out.events[1]).Instructions)
}

func TestCheckAvailableSlots(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u1", "2024-05-01T10:00", "checkup", "Lee"}))
	require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u2", "2024-05-02T09:00", "checkup", "Lee"}))

	c, err := NewClinic(s)
	require.NoError(t, err)
	c.Slots = []string{"09:00", "10:00", "11:00"}
	r := newRegistry(t)
	require.NoError(t, c.Register(r))

	out := &recordingSender{}
	// The legacy key with an embedded space is folded at the boundary.
	require.NoError(t, r.Dispatch(ctx, call(FuncCheckAvailableSlots, map[string]string{
		"appointment type": "checkup", "date": "2024-05-01",
	}), out))
	assert.Equal(t, "Available checkup slots on 2024-05-01: 09:00, 11:00", outputOf(t, out.events[0]).Output)

	bad := &recordingSender{}
	err = r.Dispatch(ctx, call(FuncCheckAvailableSlots, map[string]string{
		"appointment_type": "checkup", "date": "next tuesday",
	}), bad)
	require.Error(t, err)
	require.Len(t, bad.events, 1)
	assert.Contains(t, outputOf(t, bad.events[0]).Output, "error: invalid date")
}

func TestCheckAvailableSlotsReadsRecordedDatetimeForms(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, dt := range []string{"2024-05-01T09:00:00", "2024-05-01T10:00:00Z", "2024-05-01T11:00:00+02:00", "2024-05-01 13:00"} {
		require.NoError(t, s.Append(ctx, store.DomainAppointments, store.Record{"u1", dt, "checkup", "Lee"}))
	}
	c, err := NewClinic(s)
	require.NoError(t, err)
	c.Slots = []string{"09:00", "10:00", "11:00", "13:00", "14:00"}
	r := newRegistry(t)
	require.NoError(t, c.Register(r))

	out := &recordingSender{}
	require.NoError(t, r.Dispatch(ctx, call(FuncCheckAvailableSlots, map[string]string{
		"appointment_type": "checkup", "date": "2024-05-01",
	}), out))
	assert.Equal(t, "Available checkup slots on 2024-05-01: 14:00", outputOf(t, out.events[0]).Output)
}

func TestListFindsBookingsUnderPaddedUserID(t *testing.T) {
	ctx := context.Background()
	r := newClinicRegistry(t, store.NewMemoryStore())

	require.NoError(t, r.Dispatch(ctx, call(FuncScheduleAppointments, map[string]string{
		"user_id": "u1 ", "datetime": "2024-05-01T10:00", "reason": "checkup", "doctor": "Lee",
	}), &recordingSender{}))

	out := &recordingSender{}
	require.NoError(t, r.Dispatch(ctx, call(FuncListUpcomingAppointments, map[string]string{"user_id": "u1 "}), out))
	require.NotEmpty(t, out.events)
	assert.Contains(t, outputOf(t, out.events[0]).Output, "Found 1 upcoming appointments")
}

func TestHandlerStoreFailureIsAcknowledged(t *testing.T) {
	r := newClinicRegistry(t, failingStore{Store: store.NewMemoryStore()})
	out := &recordingSender{}
	err := r.Dispatch(context.Background(), call(FuncScheduleAppointments, map[string]string{
		"user_id": "u1", "datetime": "2024-05-01T10:00", "reason": "checkup", "doctor": "Lee",
	}), out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "read-only file system")
	require.Len(t, out.events, 1)
	assert.Equal(t, "error: recording appointment: read-only file system", outputOf(t, out.events[0]).Output)
}
