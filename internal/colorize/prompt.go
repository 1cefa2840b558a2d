package colorize

import "fmt"

// DefaultPrompt is used when a start request carries no prompt.
const DefaultPrompt = "Colorize this manga page with vibrant, natural colors while preserving the original line art and details."

const instructionTemplate = `You are an expert manga colorist. Your task is to colorize this black and white manga page.

Instructions:
%s

Important guidelines:
- Preserve all original line art and details
- Use appropriate colors for skin tones, clothing, and backgrounds
- Maintain consistency with typical manga/anime color palettes
- Keep the artistic style intact while adding vibrant colors
- Pay attention to lighting and shadows in the original artwork

Please colorize this manga page following the instructions above.`

// Instruction wraps a user prompt in the colorist instruction sent to the model.
func Instruction(prompt string) string {
	return fmt.Sprintf(instructionTemplate, prompt)
}
