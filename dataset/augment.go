package dataset

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/llie-pipeline/models"
)

// drawAugments picks one of the four transforms for each index, uniformly.
func drawAugments(r *rand.Rand, n int) []models.Augment {
	choices := make([]models.Augment, n)
	for i := range choices {
		choices[i] = models.Augment(r.Intn(4))
	}
	return choices
}

// applyAugment transforms img; a nil image stays nil so pairs can share the call.
func applyAugment(img image.Image, a models.Augment) image.Image {
	if img == nil {
		return nil
	}
	switch a {
	case models.AugmentRotate180:
		return imaging.Rotate180(img)
	case models.AugmentRotate180FlipV:
		return imaging.FlipV(imaging.Rotate180(img))
	case models.AugmentFlipV:
		return imaging.FlipV(img)
	}
	return img
}
