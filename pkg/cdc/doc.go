// Package cdc provides the public contracts the replication core depends on.
//
// The core never talks to capture, transport or extension code directly; it
// goes through the interfaces declared here so each collaborator can be
// swapped (SQL change log vs native CDC, kafka vs service bus, custom batch
// listeners).
//
// Key Components:
//   - ChangeSource: ordered, resumable cursor over captured change records
//   - TableVersionLookup: frozen table layouts referenced by change records
//   - Transport / AckTransport: batch delivery and acknowledgment
//   - BatchListener: hooks around the apply transaction of a batch
package cdc
