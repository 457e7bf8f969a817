package models

import "time"

type Thread struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	LatestDate   time.Time `json:"latest_date"`
	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	Participants []string  `json:"participants"`
}
