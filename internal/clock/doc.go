// Package clock abstracts wall-clock time so the scheduler, delays and
// retries can be driven deterministically in tests.
//
// Production code receives Real(); tests receive Fake(t) and move time with
// Advance or Set. Code that would call time.Now, time.After or
// time.AfterFunc takes a Clock instead.
package clock
