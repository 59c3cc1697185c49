// Package crisis implements the time-boxed containment loop that follows
// a crisis-tier assessment.
//
// A crisis session holds the user in a fixed window (the holding
// pattern), then asks how they are doing. "More stable" resolves the
// session, "about the same" re-enters a full fresh window, and "worse"
// escalates to the crisis-contact prompt immediately. Remaining window
// time is always derived from the persisted start timestamp, never from
// a live counter, so process suspension or restart cannot shorten or
// reset a window. A follow-up the user never answers re-enters the
// holding pattern and alerts the external collaborator.
package crisis
