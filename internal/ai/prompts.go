package ai

import "fmt"

// CaptionPrompt is the user message of the caption call.
func CaptionPrompt(theme, description, size string) string {
	return fmt.Sprintf("Theme: %s\n\nDescription: %s\n\nSize: %s", theme, description, size)
}

// ImagePrompt is the image-generation prompt. The constraint block is fixed.
func ImagePrompt(theme, description, size string) string {
	return fmt.Sprintf(`Create a photorealistic, production-quality image based on the theme and description below.

Hard constraints (must follow):
- Never render text, letters, numbers, logos, watermarks, UI, borders, or frames.
- Maintain coherent perspective and scale; no distortions, extra limbs, or artifacts.
- Avoid extreme cropping; keep the main subject fully visible.

Quality & look:
- Physically plausible materials, accurate reflections, and natural shadows (soft global illumination).
- Balanced composition with clear subject, useful negative space, and depth (foreground/midground/background).
- Camera feel: 35–50mm lens, subtle depth of field where appropriate; minimal wide-angle distortion.
- Color: cohesive palette informed by the theme; avoid harsh clipping or oversaturation unless implied.

Room type: %s

Style: %s

Output:
- Size: %s
- Style: photorealistic, ultra-detailed, high dynamic range`, theme, description, size)
}
