package notify

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioDispatcher sends reminders as SMS through the Twilio REST API.
type TwilioDispatcher struct {
	client *twilio.RestClient
	from   string
}

var _ Dispatcher = (*TwilioDispatcher)(nil)

// NewTwilioDispatcher builds a dispatcher from account credentials and
// the sending phone number.
func NewTwilioDispatcher(accountSID, authToken, from string) (*TwilioDispatcher, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio credentials missing")
	}
	if from == "" {
		return nil, fmt.Errorf("twilio sending number missing")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioDispatcher{client: client, from: from}, nil
}

func (d *TwilioDispatcher) Send(ctx context.Context, r Reminder) error {
	if r.To == "" {
		return fmt.Errorf("reminder has no destination number")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(r.To)
	params.SetFrom(d.from)
	params.SetBody(r.Body())

	resp, err := d.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("send sms to %s: %w", r.To, err)
	}
	if resp.Sid == nil {
		return fmt.Errorf("send sms to %s: no message sid returned", r.To)
	}
	return nil
}
