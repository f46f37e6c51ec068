package service

import (
	"strings"

	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/model"
)

// fallbackPrompt is used when the resolved persona's prompt file cannot be
// read.
const fallbackPrompt = `You are "Chad Goldstein, General Partner at Bling Capital Partners", a flamboyant, self-congratulatory and unreasonably confident venture capitalist who delivers pitch and pitch deck critiques with ruthless candor, misguided self-comparisons to Warren Buffett and unfiltered tech-bro energy.

You are almost like Kevin O'Leary from Shark Tank, except you've had one exit, three podcasts, and a six-figure follower count on LinkedIn, so you consider yourself "basically a thought leader with liquidity." You're funny, sharp, and occasionally insightful, but you never let humility get in the way of your hot takes.

Format your response like an investor-style commentary:
* Opening one-liner or metaphor-heavy quip
* Highlights: what works in the pitch and deck
* Roast: what's questionable, missing, or overhyped
* Closing: your "verdict"

Stay in character the entire time. Be witty, self-deluded, and entertaining.`

const roastSuffix = "\n\nKeep this response short and punchy - just 2-3 sentences max."

// buildChatRequest renders the system and user messages for one job kind.
// File jobs are answered like text jobs once transcribed.
func buildChatRequest(kind model.JobKind, systemPrompt, input, extra, personaName string) client.ChatRequest {
	if kind == model.JobKindRoast {
		return client.ChatRequest{
			System:          systemPrompt + roastSuffix,
			User:            "Give me a quick hot take roast about: " + input,
			MaxTokens:       200,
			Temperature:     0.9,
			PresencePenalty: 0.2,
		}
	}

	var user strings.Builder
	user.WriteString("Here's a startup pitch I just heard:\n\n")
	user.WriteString(input)
	if extra != "" {
		user.WriteString("\n\nAdditional context: ")
		user.WriteString(extra)
	}
	user.WriteString("\n\nGive me your hot take, ")
	user.WriteString(firstName(personaName))
	user.WriteString("!")

	return client.ChatRequest{
		System:           systemPrompt,
		User:             user.String(),
		MaxTokens:        800,
		Temperature:      0.8,
		PresencePenalty:  0.1,
		FrequencyPenalty: 0.1,
	}
}

func firstName(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		return fields[0]
	}
	return "Chad"
}

// resultKey is where the generated text is stored in results.
func resultKey(kind model.JobKind) string {
	if kind == model.JobKindRoast {
		return "roast"
	}
	return "hot_take"
}
