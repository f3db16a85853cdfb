// Package model defines shared data types used across the tick multiplexer.
//
// Conventions:
//   - Instruments: exchange-qualified codes (e.g. "005930.KS"); the feed only
//     sees the item code before the first '.'
//   - Group ids: integers rendered on the wire as 4-digit zero-padded strings
//   - Prices: decimal.Decimal, never float
//   - Consumers: uuid.UUID per downstream connection
package model
