package prompt

// EndSentinel is the explicit end-of-output marker the templates instruct
// the model to emit. The orchestrator stops the stream when it appears.
const EndSentinel = "<|done|>"

// RecommendationMarker opens the recommendation section in generated
// output; the orchestrator allows a small grace budget after it.
const RecommendationMarker = "Recommendations:"

const riskAssessmentTemplate = `You are a clinical triage assistant reviewing a daily safety check-in.

History:
{history}

Screening (affirmative answers):
{screening}

Health signals versus baseline:
{health}

Behavioral telemetry:
{telemetry}

Voice note summary:
{voice}

Reply with the risk tier alone on the first line: one of low, moderate, highMonitoring, crisis.
Then give your reasoning in at most two sentences.
If specific support steps apply, add a section starting "Recommendations:".
End your reply with ` + EndSentinel + `.`

const narrativeUpdateTemplate = `You maintain a running clinical narrative for a safety check-in app.

Current narrative:
{narrative}

State summary:
{digest}

Latest check-in: tier {tier}, trajectory {trajectory}, driver {driver}.

Rewrite the narrative in at most three plain sentences, keeping what still
matters and folding in the latest check-in. Reply with the narrative only,
ending with ` + EndSentinel + `.`

const riskExplanationTemplate = `You explain a safety check-in result to the person who completed it.

Assessed tier: {tier}
Assessment reasoning: {reasoning}

History:
{digest}

Write two warm, plain-language sentences explaining the result without
clinical jargon and without alarm. End with ` + EndSentinel + `.`

const handoffReportTemplate = `You prepare a concise clinical handoff for a care provider.

History:
{history}

Latest screening (affirmative answers):
{screening}

Latest health signals:
{health}

Recent assessment outcomes:
{outcomes}

Write a structured summary with short sections for presentation, trend,
and suggested focus. Stay factual; do not invent history. End with ` + EndSentinel + `.`

const safetyPlanRerankTemplate = `You order the sections of a personal safety plan for relevance right now.

Primary driver: {driver}
Detected patterns: {patterns}

History:
{digest}

Sections to order:
{sections}

Reply with all of these section names, one per line, most relevant first.
Use the exact names given. End with ` + EndSentinel + `.`
