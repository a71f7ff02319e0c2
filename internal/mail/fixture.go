package mail

import (
	"context"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

// FixtureSource serves a fixed set of development emails: five carry event
// times for the calendar and five are plain reminders.
type FixtureSource struct{}

func NewFixtureSource() *FixtureSource {
	return &FixtureSource{}
}

func (s *FixtureSource) Name() string {
	return "fixture"
}

// Fetch ignores the window; fixture dates are fixed in the past.
func (s *FixtureSource) Fetch(_ context.Context, _ int) ([]domain.RawMessage, error) {
	return FixtureMessages(), nil
}

func FixtureMessages() []domain.RawMessage {
	return []domain.RawMessage{
		fixture("fixture-01", "team@company.com", "Team Meeting - Q4 Planning", "2024-11-25T09:00:00Z",
			"Join us for our quarterly planning session.\n\nEvent Time: November 25, 2024 at 2:00 PM - 3:30 PM\nLocation: Conference Room A\n\nAgenda: Review Q3 results and plan Q4 objectives."),
		fixture("fixture-02", "hr@company.com", "Annual Review Schedule", "2024-11-23T08:30:00Z",
			"Your annual performance review has been scheduled.\n\nEvent Time: November 26, 2024 at 10:00 AM - 11:00 AM\nLocation: HR Office, Building 2\n\nPlease prepare your self-assessment before the meeting."),
		fixture("fixture-03", "dentist@healthclinic.com", "Dental Appointment Confirmation", "2024-11-22T14:00:00Z",
			"This is a confirmation for your upcoming dental appointment.\n\nEvent Time: November 27, 2024 at 9:30 AM - 10:30 AM\nLocation: HealthClinic Dental, 123 Main St\n\nPlease arrive 10 minutes early."),
		fixture("fixture-04", "events@university.edu", "Guest Lecture: AI and the Future", "2024-11-24T11:00:00Z",
			"Distinguished Professor Jane Smith will be speaking about artificial intelligence.\n\nEvent Time: November 28, 2024 at 4:00 PM - 5:30 PM\nLocation: Science Building, Auditorium 101\n\nRefreshments will be served."),
		fixture("fixture-05", "fitness@gym.com", "Personal Training Session", "2024-11-23T07:00:00Z",
			"Your personal training session is confirmed!\n\nEvent Time: November 29, 2024 at 6:00 AM - 7:00 AM\nLocation: Downtown Fitness Center\n\nBring water and a towel. See you there!"),
		fixture("fixture-06", "boss@company.com", "Action Required: Complete Expense Report", "2024-11-22T16:30:00Z",
			"Please submit your October expense report by end of week. Include all receipts and categorize expenses properly. Let me know if you have any questions."),
		fixture("fixture-07", "library@university.edu", "Book Due Soon", "2024-11-23T10:00:00Z",
			"The following books are due soon:\n- 'Introduction to Algorithms'\n- 'Clean Code'\n\nRenew online or return to avoid late fees."),
		fixture("fixture-08", "netflix@streaming.com", "New Episodes Available", "2024-11-24T12:00:00Z",
			"Season 2 of your favorite show is now available! Continue watching where you left off. Don't forget to finish the series before it leaves our platform next month."),
		fixture("fixture-09", "mom@family.com", "Don't Forget", "2024-11-22T18:00:00Z",
			"Remember to call Grandma this weekend for her birthday! Also, we need to plan the family Thanksgiving dinner. Let me know your availability."),
		fixture("fixture-10", "store@shopping.com", "Your Order Needs Action", "2024-11-23T13:45:00Z",
			"We need your confirmation to proceed with your recent order. Please review the items in your cart and confirm your shipping address. Order #12345"),
	}
}

func fixture(id string, from string, subject string, date string, preview string) domain.RawMessage {
	received, _ := time.Parse(time.RFC3339, date)
	return domain.RawMessage{
		ID:         id,
		From:       from,
		Subject:    subject,
		ReceivedAt: received.UTC(),
		Preview:    preview,
	}
}
