package courier

import "fmt"

// ApplicationStatus is the lifecycle status of a job application in the ATS.
type ApplicationStatus string

const (
	StatusNew       ApplicationStatus = "new"
	StatusScreening ApplicationStatus = "screening"
	StatusInterview ApplicationStatus = "interview"
	StatusOffer     ApplicationStatus = "offer"
	StatusHired     ApplicationStatus = "hired"
	StatusRejected  ApplicationStatus = "rejected"
	StatusWithdrawn ApplicationStatus = "withdrawn"
)

// Email is the rendered payload of one outgoing notification. An email is
// addressed to exactly one recipient, one delivery log entry per email.
type Email struct {
	From    Address           `json:"from"`
	To      Address           `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Headers map[string]string `json:"headers,omitempty"`
}

func AddressOf(email string) Address {
	return Address{Email: email}
}

type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if len(a.Name) == 0 {
		return a.Email
	}
	return fmt.Sprintf("\"%s\" <%s>", a.Name, a.Email)
}
