package prompts

// Section headings of the system prompt
const (
	TimeHeading      = "CURRENT DATE AND TIME"
	ContactHeading   = "CUSTOMER"
	ProcessHeading   = "SALES PROCESS"
	DealHeading      = "DEAL"
	KnowledgeHeading = "RELEVANT KNOWLEDGE"
	ActionsHeading   = "AVAILABLE ACTIONS"

	CurrentStepMarker  = "  <-- current step"
	KnowledgeSeparator = "\n\n---\n\n"
)

// ActionGuidelines is appended when the agent has at least one capability enabled
const ActionGuidelines = `Use an action only when the conversation clearly calls for it.
Never tell the customer about internal IDs.
After an action, continue the conversation naturally in your reply.`

// Summarization prompts used by memory compression
const (
	SummaryWriterRole = "You maintain the memory of a sales conversation between a customer and a sales assistant."

	SummaryInstructions = `Write a dense summary of the transcript below so the conversation can continue without it.
Cover:
- key points the customer raised
- decisions that were made
- facts about the customer (name, company, needs, budget, objections)
- agreed next steps and any promised follow-ups
If a previous summary is given, merge it into the new one instead of repeating it.
Reply with the summary text only.`
)

// PreviousSummaryPrefix introduces the stored summary in the model input
const PreviousSummaryPrefix = "Summary of the earlier conversation:\n"
