package functions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-assistant/shared"
	"github.com/bt-bridge/realtime-assistant/store"
)

// Function names exposed to the agent.
const (
	FuncScheduleAppointments      = "schedule_appointments"
	FuncListUpcomingAppointments  = "list_upcoming_appointments"
	FuncRequestPrescriptionRefill = "request_prescription_refill"
	FuncSendMessageToDoctor       = "send_message_to_doctor"
	FuncOpenTestResultsPage       = "open_test_results_page"
	FuncCheckAvailableSlots       = "check_for_available_appointment_slots"
)

// slotLayouts are the datetime forms a booking may have been recorded with.
var slotLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
	time.DateTime,
}

// parseSlot reads a booked datetime as wall-clock time in its own zone.
func parseSlot(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range slotLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clinic holds the record-and-acknowledge handlers of a medical front desk.
type Clinic struct {
	store store.Store
	// Slots are the bookable start times of a clinic day, as "15:04".
	Slots []string
}

func NewClinic(s store.Store) (*Clinic, error) {
	if s == nil {
		return nil, shared.ErrNoStore
	}
	return &Clinic{
		store: s,
		Slots: []string{"09:00", "10:00", "11:00", "13:00", "14:00", "15:00", "16:00"},
	}, nil
}

// Register adds every clinic handler to r.
func (c *Clinic) Register(r *Registry) error {
	for _, h := range c.Handlers() {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (c *Clinic) Handlers() []Handler {
	return []Handler{
		{
			Name:        FuncScheduleAppointments,
			Description: "Book an appointment for a user with a doctor.",
			Params:      []string{"user_id", "datetime", "reason", "doctor"},
			Fn:          c.scheduleAppointment,
		},
		{
			Name:        FuncListUpcomingAppointments,
			Description: "List the appointments booked for a user.",
			Params:      []string{"user_id"},
			Fn:          c.listUpcomingAppointments,
		},
		{
			Name:        FuncRequestPrescriptionRefill,
			Description: "Request a prescription refill at a pharmacy.",
			Params:      []string{"user_id", "medication", "pharmacy"},
			Fn:          c.requestPrescriptionRefill,
		},
		{
			Name:        FuncSendMessageToDoctor,
			Description: "Leave a message for a doctor.",
			Params:      []string{"user_id", "doctor", "message"},
			Fn:          c.sendMessageToDoctor,
		},
		{
			Name:        FuncOpenTestResultsPage,
			Description: "Open the test results page for a user.",
			Params:      []string{"user_id"},
			Fn:          c.openTestResultsPage,
		},
		{
			Name:        FuncCheckAvailableSlots,
			Description: "List free appointment slots on a date.",
			Params:      []string{"appointment_type", "date"},
			Fn:          c.checkAvailableSlots,
		},
	}
}

func (c *Clinic) scheduleAppointment(ctx context.Context, args []string) (Result, error) {
	userID, datetime, reason, doctor := args[0], args[1], args[2], args[3]
	if err := c.store.Append(ctx, store.DomainAppointments, store.Record{userID, datetime, reason, doctor}); err != nil {
		return Result{}, fmt.Errorf("recording appointment: %w", err)
	}
	return Result{
		Output:       "Successfully scheduled appointment",
		Instructions: fmt.Sprintf("Tell the user their %s appointment on %s with Dr. %s is confirmed.", reason, datetime, doctor),
	}, nil
}

// listUpcomingAppointments reports zero matches too; the agent is always
// told the count.
func (c *Clinic) listUpcomingAppointments(ctx context.Context, args []string) (Result, error) {
	userID := args[0]
	recs, err := c.store.Query(ctx, store.DomainAppointments, userID)
	if err != nil {
		return Result{}, fmt.Errorf("reading appointments: %w", err)
	}
	if len(recs) == 0 {
		return Result{
			Output:       "Found 0 upcoming appointments",
			Instructions: "Tell the user they have no upcoming appointments.",
		}, nil
	}
	next := recs[0]
	out := fmt.Sprintf("Found %d upcoming appointments. Next: %s", len(recs), describeAppointment(next))
	return Result{
		Output:       out,
		Instructions: fmt.Sprintf("Tell the user they have %d upcoming appointments and describe the next one: %s.", len(recs), describeAppointment(next)),
	}, nil
}

func describeAppointment(r store.Record) string {
	field := func(i int) string {
		if i < len(r) {
			return r[i]
		}
		return "unknown"
	}
	return fmt.Sprintf("%s, reason %s, with Dr. %s", field(1), field(2), field(3))
}

func (c *Clinic) requestPrescriptionRefill(ctx context.Context, args []string) (Result, error) {
	userID, medication, pharmacy := args[0], args[1], args[2]
	if err := c.store.Append(ctx, store.DomainPrescriptions, store.Record{userID, medication, pharmacy}); err != nil {
		return Result{}, fmt.Errorf("recording prescription refill: %w", err)
	}
	return Result{
		Output:       "Prescription refill requested",
		Instructions: fmt.Sprintf("Tell the user the refill for %s was sent to %s.", medication, pharmacy),
	}, nil
}

func (c *Clinic) sendMessageToDoctor(ctx context.Context, args []string) (Result, error) {
	userID, doctor, message := args[0], args[1], args[2]
	if strings.TrimSpace(message) == "" {
		return Result{}, fmt.Errorf("empty message")
	}
	if err := c.store.Append(ctx, store.DomainMessages, store.Record{userID, doctor, message}); err != nil {
		return Result{}, fmt.Errorf("recording message: %w", err)
	}
	return Result{
		Output:       "Message sent",
		Instructions: fmt.Sprintf("Tell the user their message was delivered to Dr. %s.", doctor),
	}, nil
}

func (c *Clinic) openTestResultsPage(_ context.Context, _ []string) (Result, error) {
	return Result{
		Output:       "Test results page opened!",
		Instructions: "Tell the user the test results page is open.",
	}, nil
}

// checkAvailableSlots subtracts booked appointments on date from the clinic
// day's slots.
func (c *Clinic) checkAvailableSlots(ctx context.Context, args []string) (Result, error) {
	appointmentType, date := args[0], strings.TrimSpace(args[1])
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return Result{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	booked := map[string]bool{}
	err = c.store.Scan(ctx, store.DomainAppointments, func(r store.Record) bool {
		if len(r) < 2 {
			return true
		}
		if t, ok := parseSlot(r[1]); ok && sameDay(t, day) {
			booked[t.Format("15:04")] = true
		}
		return true
	})
	if err != nil {
		return Result{}, fmt.Errorf("reading appointments: %w", err)
	}
	var free []string
	for _, slot := range c.Slots {
		if !booked[slot] {
			free = append(free, slot)
		}
	}
	if len(free) == 0 {
		return Result{
			Output:       fmt.Sprintf("No %s slots available on %s", appointmentType, date),
			Instructions: "Tell the user there are no free slots that day and offer to check another date.",
		}, nil
	}
	return Result{
		Output:       fmt.Sprintf("Available %s slots on %s: %s", appointmentType, date, strings.Join(free, ", ")),
		Instructions: "List the available appointment times on their requested date.",
	}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
