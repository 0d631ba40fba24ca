// Package protocol defines the JSON frames exchanged between the hub and the client controller.
//
// Both sides import this package so message shapes, timestamp format and close codes stay in one place.
package protocol
