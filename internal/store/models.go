package store

import "time"

type User struct {
	Email     string
	CreatedAt time.Time
	LastLogin time.Time
}
