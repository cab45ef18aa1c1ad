package extract

// CompletionDelimiter terminates a finished extraction. Its absence from
// a response is the primary truncation signal.
const CompletionDelimiter = "<|COMPLETE|>"

// entityExtractionPrompt asks for NDJSON output: one JSON object per
// line, entities and relationships interleaved, closed by the completion
// delimiter. NDJSON keeps partial output usable when small models stop
// mid-response.
const entityExtractionPrompt = `You are an entity and relationship extraction engine for a knowledge graph.
Given a text chunk, extract all entities and the relationships between them.

ENTITY TYPES (use exactly these values):
%s

OUTPUT FORMAT — NDJSON, one JSON object per line, nothing else:
{"type": "entity", "name": string, "entity_type": string, "description": string}
{"type": "relationship", "source": string, "target": string, "description": string, "strength": number}

Rules:
- Emit each entity and relationship on its own line.
- "strength" is a float between 0.0 and 10.0 indicating importance.
- Source and target of a relationship must be entity names you emitted.
- Only include items clearly supported by the text.
- When you are completely done, output %s on its own line.

EXAMPLE:

Input: "The Verdantis Central Institution raised rates on Thursday. Chair Martin Smith answered questions afterwards."
Output:
{"type": "entity", "name": "Verdantis Central Institution", "entity_type": "ORGANIZATION", "description": "Monetary authority that sets interest rates"}
{"type": "entity", "name": "Martin Smith", "entity_type": "PERSON", "description": "Chair of the Central Institution"}
{"type": "relationship", "source": "Martin Smith", "target": "Verdantis Central Institution", "description": "Martin Smith chairs the Central Institution", "strength": 9.0}
%s

TEXT:
%s`

// gleaningPrompt is issued inside the same conversation to recover
// entities the first pass missed.
const gleaningPrompt = `MANY entities and relationships were missed in the last extraction. Add the missing ones below, in the same NDJSON format, one object per line. Do not repeat items you already emitted. Output %s when done.`

// continuationPrompt recovers from truncated responses. It emphasizes
// relationships because truncation usually cuts the relationship tail of
// the output.
const continuationPrompt = `Your previous output was cut off. Continue exactly where you stopped, in the same NDJSON format. Prioritize relationships between the entities you already emitted. Output %s when done.`
