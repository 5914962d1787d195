package domain

import (
	"fmt"
	"strings"
	"time"
)

// Occasion labels what a card is for. Known values are listed below but any
// free-text label is accepted.
type Occasion string

const (
	OccasionBirthday    Occasion = "birthday"
	OccasionAnniversary Occasion = "anniversary"
	OccasionHoliday     Occasion = "holiday"
	OccasionThankYou    Occasion = "thank_you"
	OccasionSympathy    Occasion = "sympathy"
	OccasionJustBecause Occasion = "just_because"
)

// Label renders the occasion for prompts and emails.
func (o Occasion) Label() string {
	s := strings.TrimSpace(string(o))
	return strings.ReplaceAll(s, "_", " ")
}

// Tone enumerates the supported writing tones.
type Tone string

const (
	ToneHeartfelt Tone = "heartfelt"
	ToneFunny     Tone = "funny"
	ToneFormal    Tone = "formal"
	ToneRomantic  Tone = "romantic"
	TonePlayful   Tone = "playful"
)

// NormalizeTone sanitizes free-form input into a supported tone.
func NormalizeTone(tone string) Tone {
	switch Tone(strings.ToLower(strings.TrimSpace(tone))) {
	case ToneFunny:
		return ToneFunny
	case ToneFormal:
		return ToneFormal
	case ToneRomantic:
		return ToneRomantic
	case TonePlayful:
		return TonePlayful
	default:
		return ToneHeartfelt
	}
}

// Address is the mailing address printed on the envelope.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Recipient is the "heart" a card is generated for.
type Recipient struct {
	Name         string  `json:"name"`
	Relationship string  `json:"relationship"`
	Address      Address `json:"address"`
}

// GenerationRequest identifies one attempt to produce one card. It is
// immutable once a run has started.
type GenerationRequest struct {
	ID              string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	SenderName      string    `json:"sender_name,omitempty"`
	SenderEmail     string    `json:"sender_email,omitempty"`
	Recipient       Recipient `json:"recipient"`
	Occasion        Occasion  `json:"occasion"`
	Tone            Tone      `json:"tone"`
	PersonalMessage string    `json:"personal_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate reports whether the request carries enough to start a run.
func (r GenerationRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Recipient.Name) == "":
		return fmt.Errorf("%w: recipient name is required", ErrInvalidRequest)
	case strings.TrimSpace(string(r.Occasion)) == "":
		return fmt.Errorf("%w: occasion is required", ErrInvalidRequest)
	}
	return nil
}
