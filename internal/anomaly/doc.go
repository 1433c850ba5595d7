// Package anomaly inspects each new check for downtime, response time spikes
// and schema drift.
//
// A failed check is always a high-severity downtime anomaly. For successful
// checks a spike needs at least MinSpikeHistory prior successful checks and
// a response time above both mean+2σ and 2×mean of that history; it is high
// severity strictly above 3×mean. Schema drift compares the endpoint's
// baseline schema with the schema of the current body; any difference is a
// medium-severity anomaly whose current value is the number of changes.
//
// Every anomaly is persisted, given a narrative (or a fixed fallback), and
// announced through the notifier. High-severity anomalies are also emailed.
// Narrative, notification and email failures never prevent persistence.
package anomaly
