package domain

import "context"

// Mailer delivers a plain-text message to one address.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ExportSink stores portability artifacts and returns where they landed.
type ExportSink interface {
	Put(ctx context.Context, name, contentType string, data []byte) (location string, err error)
}

// RotationNotifier tells an identity (or operators) about rotated credentials.
type RotationNotifier interface {
	NotifyRotation(ctx context.Context, identity *Identity, results []RotationResult) error
}
