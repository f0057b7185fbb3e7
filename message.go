package main

const (
	MsgInvalidRequest = "The request did not contain an image. Send the image as the raw body, as a multipart field named \"file\", or as base64 in a JSON field named \"image\"."

	MsgInvalidImage = "The uploaded file could not be decoded as an image. Supported formats are JPEG, PNG, GIF, BMP, TIFF and WebP."

	MsgUnsupportedImage = "The image could not be enhanced because of its size or color layout. Please upload a color photo with non-zero width and height."

	MsgBusy = "All enhancement workers are busy. Please retry in a few seconds."

	MsgEnhanceFailed = "Enhancement failed while processing the image."
)
