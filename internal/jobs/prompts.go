package jobs

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

const defaultAgeGroup = "5-8"

// storyTellerPrompt is the system message for chapter generation.
func storyTellerPrompt(book domain.Book, characters []domain.Character, previous []domain.Chapter) string {
	age := book.AgeGroup
	if age == "" {
		age = defaultAgeGroup
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a children's story teller writing for readers aged %s.\n", age)
	b.WriteString("Write warm, imaginative and age-appropriate prose. Avoid violence, fear and anything unsafe for children.\n")
	fmt.Fprintf(&b, "\nBook title: %s\n", book.Title)
	if book.Premise != "" {
		fmt.Fprintf(&b, "Premise: %s\n", book.Premise)
	}

	if len(characters) > 0 {
		b.WriteString("\nCharacters:\n")
		for _, c := range characters {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}

	var written []domain.Chapter
	for _, ch := range previous {
		if ch.Status == domain.StatusCompleted && ch.Content != "" {
			written = append(written, ch)
		}
	}
	if len(written) > 0 {
		b.WriteString("\nStory so far:\n")
		for _, ch := range written {
			fmt.Fprintf(&b, "Chapter %d (%s): %s\n", ch.Number, ch.Title, summarize(ch.Content, 400))
		}
	}

	b.WriteString("\nRespond with a JSON object with the keys \"title\" and \"content\". ")
	b.WriteString("\"content\" holds the full chapter text, paragraphs separated by blank lines.")
	return b.String()
}

func chapterRequest(ch domain.Chapter) string {
	if strings.TrimSpace(ch.Prompt) == "" {
		return fmt.Sprintf("Write chapter %d of the book.", ch.Number)
	}
	return fmt.Sprintf("Write chapter %d of the book. Follow this idea: %s", ch.Number, ch.Prompt)
}

const titleRequest = "Suggest a short title for this chapter. Reply with the title only."

func coverPrompt(book domain.Book, characters []domain.Character) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Children's book cover illustration for %q.", book.Title)
	if book.Premise != "" {
		fmt.Fprintf(&b, " The story: %s.", strings.TrimSuffix(book.Premise, "."))
	}
	if len(characters) > 0 {
		names := make([]string, 0, len(characters))
		for _, c := range characters {
			names = append(names, c.Name)
		}
		fmt.Fprintf(&b, " Featuring %s.", strings.Join(names, " and "))
	}
	b.WriteString(" Bright colors, soft storybook style, no text.")
	return b.String()
}

func portraitPrompt(book domain.Book, c domain.Character) string {
	return fmt.Sprintf(
		"Character portrait for the children's book %q: %s, %s. Full body, plain background, soft storybook style, no text.",
		book.Title, c.Name, strings.TrimSuffix(c.Description, "."),
	)
}

func summarize(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndexByte(s[:limit], ' ')
	if cut <= 0 {
		cut = limit
	}
	return s[:cut] + "..."
}
