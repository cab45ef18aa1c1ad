package community

// reportPrompt asks for a structured JSON community report. The context
// data arrives as CSV sections packed under the token budget.
const reportPrompt = `You are writing a report about a community of entities found in a knowledge graph. The report informs decision-makers about the community's significance.

Write a JSON object with exactly these keys:
- "title": short name of the community, including its most representative entities
- "summary": executive summary of the community's structure and significance
- "rating": float 0-10, impact severity of the community
- "rating_explanation": one sentence explaining the rating
- "findings": array of 5-10 objects, each {"summary": string, "explanation": string}

Ground every statement in the data below. Do not invent facts.

Data:
%s

Output only the JSON object.`
