package ai

const CategoryPrompt = `
# Task Context
You extract the categories a text talks about so they can be linked in a knowledge graph.

# Background Data
%s

# Detailed Task Description & Rules
- A category is a topic, concept, organisation, product, law or field that the text discusses.
- Use short canonical names in title case (e.g., "Privacy Policy", "Machine Learning").
- Do not return dates, years, numbers, percentages, hashtags or names containing symbols.
- Do not return the same category twice under different spellings.
- Prefer fewer, meaningful categories over many incidental ones. Return at most 10.

# Output Formatting
Return a JSON object with this structure:
{
  "categories": [
    {"name": "<category name>", "description": "<one sentence>"}
  ]
}
`

const SummaryPrompt = `
# Task Context
You summarize one page of a document for a search index.

# Background Data
%s

# Detailed Task Description & Rules
- Write 3 to 5 sentences covering the main points of the page.
- Use only information present in the page.
- Do not start with "This page" or "The text".

# Output Formatting
Return a JSON object with this structure:
{"summary": "<summary>"}
`

const QuestionsPrompt = `
# Task Context
You write questions that a reader could answer using only the page below.

# Detailed Task Description & Rules
- Write at most %d questions.
- Each question must be answerable from the page alone.
- Questions must be self-contained and must not refer to "the page" or "the text".

# Background Data
%s

# Output Formatting
Return a JSON object with this structure:
{"questions": ["<question>", "<question>"]}
`

const ClassifyPrompt = `
# Task Context
Classify the question as "general" or "specific".

# Detailed Task Description & Rules
- A general question is broad and open-ended (e.g., "What do we know about data protection?").
- A specific question is narrow and detailed (e.g., "Which retention period applies to server logs?").

# Background Data
Question: "%s"

# Output Formatting
Return a JSON object with this structure:
{"classification": "general" | "specific"}
`

const CypherPrompt = `
# Task Context
You translate a question into one read-only Cypher query over a document knowledge graph.

# Graph Schema
Nodes:
- (:Document {uuid, name, url, publisher, addeddate, wordcount, type})
- (:Page {uuid, name, text})
- (:Child {uuid, name, text, source})
- (:Summary {uuid, text, datecreated})
- (:Question {uuid, name, text})
- (:Category {uuid, name, description, aliases})
- (:Community {id, level, rank, summary})
Relationships:
- (:Document)-[:HAS_PAGE]->(:Page)
- (:Page)-[:HAS_CHILD]->(:Child)
- (:Page)-[:HAS_SUMMARY]->(:Summary)
- (:Page)-[:HAS_QUESTION]->(:Question)
- (:Document)-[:MENTIONS]->(:Category)
- (:Child)-[:MENTIONS]->(:Category)
- (:Category)-[:IN_COMMUNITY]->(:Community)

# Detailed Task Description & Rules
- Use only the labels, relationships and properties listed above.
- Never write CREATE, MERGE, SET, DELETE, REMOVE, DROP, LOAD CSV or CALL.
- Match names case-insensitively with toLower(...) CONTAINS toLower(...).
- Return nodes, not individual properties, and always end with LIMIT 25 or lower.
- Relative dates ("today", "this month") refer to addeddate.

# Background Data
Question: "%s"

Previous attempt:
%s

# Output Formatting
Return a JSON object with this structure:
{"cypher": "<query>"}
`

const CommunityPrompt = `
# Task Context
You describe a group of related categories that frequently appear together in the same documents.

# Background Data
%s

# Detailed Task Description & Rules
- Write 2 to 4 sentences explaining what ties the categories together.
- Mention the most important categories by name.
- Use only the information given.

# Output Formatting
Return a JSON object with this structure:
{"summary": "<summary>"}
`

const AnswerPrompt = `
# Task Context
You answer a question using only the sources provided.

# Background Data
Question: "%s"

Sources:
%s

# Detailed Task Description & Rules
- Use only the sources. If they do not contain the answer, say so.
- Cite every statement with the id of the source it came from, written as [[id]].
- Do not list the sources at the end.
`
