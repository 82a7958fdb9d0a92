package gemini

import (
	"fmt"
	"strings"

	"github.com/tidymark/tidymark/pkg/transform"
)

// promptTemplate instructs the model to reformat without changing content.
// The response must be the bare document: fence-wrapped output is still
// tolerated and stripped by TrimFence.
const promptTemplate = `Please format and improve the following %s content while preserving its structure and meaning.

File: %s

Formatting requirements:
1. Fix any formatting inconsistencies
2. Ensure proper heading hierarchy (# ## ### ####)
3. Standardize list formatting (use - for bullets, numbers only when order matters)
4. Improve readability while maintaining the original content
5. Ensure code blocks have proper language specification
6. Maintain consistent spacing between sections
7. Return only the formatted document without any additional commentary. Do not wrap it in a code block.
8. Add a little flair in the formatting to make it visually appealing (relevant emojis for headings, spacing, etc.)
9. Do not replace links with any sort of text, keep them as they are.

IMPORTANT: Do not change the original content, only the formatting.

Do not go overboard with the emojis, keep it professional and relevant to the content. Do not use them for non-heading bullet points or lists.
Do not use emojis in code blocks or inline code.

Content to format:
%s`

// buildPrompt renders the formatting prompt for a document.
func buildPrompt(req transform.Request) string {
	category := req.Category
	if category == "" {
		category = "markdown"
	}
	return fmt.Sprintf(promptTemplate, category, req.Identity, req.Content)
}

// TrimFence strips a code-fence wrapper from model output. Models sometimes
// wrap the whole document in a fence despite instructions; the wrapper is
// detected structurally (a leading fence line, optionally with a language
// tag, paired with a trailing fence line) so delimiter length never matters.
func TrimFence(s string) string {
	lines := strings.Split(s, "\n")

	first := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			first = i
			break
		}
	}
	if first == -1 {
		return s
	}

	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
			break
		}
	}
	if last <= first {
		return s
	}

	if !isOpeningFence(strings.TrimSpace(lines[first])) || !isClosingFence(strings.TrimSpace(lines[last])) {
		return s
	}

	return strings.Join(lines[first+1:last], "\n")
}

// isOpeningFence matches three or more backticks followed by an optional
// language identifier.
func isOpeningFence(line string) bool {
	if !strings.HasPrefix(line, "```") {
		return false
	}
	rest := strings.TrimLeft(line, "`")
	if rest == "" {
		return true
	}
	// A language tag is a single bare word such as "markdown" or "md".
	return !strings.ContainsAny(rest, " \t")
}

// isClosingFence matches a line of three or more backticks and nothing else.
func isClosingFence(line string) bool {
	return strings.HasPrefix(line, "```") && strings.TrimLeft(line, "`") == ""
}
