package query

// Placeholders every response template must carry. Overridden templates
// missing one fall back to the default with a warning.
const (
	placeholderContextData  = "{context_data}"
	placeholderResponseType = "{response_type}"
)

// defaultLocalTemplate answers from the entity-neighborhood context
// tables (entities, relationships, source chunks).
const defaultLocalTemplate = `You are a helpful assistant answering questions about data in the tables provided.

Generate a response of the target length and format that answers the user's question, summarizing all relevant information in the input data tables, and incorporating general knowledge only where it does not contradict the tables.

If you don't know the answer, say so. Do not make anything up. Do not include information without supporting evidence.

---Target response length and format---

{response_type}

---Data tables---

{context_data}
`

// communityReportMapPrompt produces scored partial answers from one group
// of community reports.
const communityReportMapPrompt = `You are a helpful assistant answering a question about a dataset using the community reports below.

Identify every key point relevant to the question and output a JSON object:
{"points": [{"description": "...", "score": <0-100 integer importance>}]}

A point with no supporting evidence in the reports gets score 0. Output only the JSON object.

---Reports---

{context_data}
`

// defaultGlobalTemplate reduces scored analyst points into the final
// global-mode answer.
const defaultGlobalTemplate = `You are a helpful assistant synthesizing a final answer from the ranked analyst findings below. Remove irrelevant findings, merge the rest into a single coherent answer of the target length and format, and do not make anything up.

---Target response length and format---

{response_type}

---Analyst findings---

{context_data}
`

// naiveTemplate answers directly from raw chunk text (flat RAG).
const naiveTemplate = `You are a helpful assistant answering questions about the documents provided.

Generate a response of the target length and format that answers the user's question using the document chunks below. If the answer is not in the chunks, say so.

---Target response length and format---

{response_type}

---Documents---

{context_data}
`
