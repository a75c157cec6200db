// Package model defines the decoded payloads exchanged with the broker and the
// records the position journal writes.
//
// Conventions:
//   - Prices, volumes and money: decimal.Decimal, decoded from JSON numbers
//   - Server timestamps: int64 milliseconds since Unix epoch
//   - Position ids: int64, as issued by the server
package model
