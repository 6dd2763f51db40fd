package domain

import "strings"

// ChannelType identifies the outbound messaging channel a job is sent through
type ChannelType string

const (
	ChannelEmail ChannelType = "EMAIL"
	ChannelSMS   ChannelType = "SMS"
)

// ParseChannelType normalizes a channel tag coming from the queue
func ParseChannelType(s string) ChannelType {
	return ChannelType(strings.ToUpper(strings.TrimSpace(s)))
}

func (c ChannelType) String() string {
	return string(c)
}

// Job represents one campaign send attempt claimed from the queue
type Job struct {
	JobID          int64       `db:"job_id"`
	CampaignID     int64       `db:"campaign_id"`
	ChannelType    ChannelType `db:"channel_type"`
	Rate           int         `db:"rate"`
	CredentialName *string     `db:"credential_name"`
}

// Credential returns the credential name or an empty string when the job uses shared credentials
func (j *Job) Credential() string {
	if j.CredentialName == nil {
		return ""
	}
	return *j.CredentialName
}

// Message represents one recipient row pending send
type Message struct {
	ID         int64
	CampaignID int64
	Recipient  string
	Subject    string
	Body       string
	Params     map[string]string
}

// Outcome is the terminal result of a single send attempt
type Outcome struct {
	MessageID         int64
	Status            string
	ProviderMessageID string
	ErrorText         string
}

// TruncateErrorText shortens provider error text to fit the message error column
func TruncateErrorText(s string) string {
	r := []rune(s)
	if len(r) <= MaxErrorTextLength {
		return s
	}
	return string(r[:MaxErrorTextLength])
}
