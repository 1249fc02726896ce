package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
)

// RegisterImageRoutes registers the backing-image routes
func RegisterImageRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("image_list", ListImages)).Methods("GET")
	router.HandleFunc(prefix, m.timed("image_create", CreateImage)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{id}", m.timed("image_get", GetImage)).Methods("GET")
}

// ListImages gets a list of all registered images
func ListImages(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	images := make(selkie.Images, 0)
	err := ctx.ForEachImage(func(i *selkie.Image) error {
		images = append(images, i)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, images)
}

// CreateImage registers an image. The bits are fetched onto a host the
// first time a VM there needs them. The id defaults to the name so
// create-VM requests can reference images by a human-readable handle.
func CreateImage(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	var req struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Arch   string `json:"arch"`
		SHA256 string `json:"sha256"`
		Source string `json:"source"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	img := ctx.NewImage()
	if req.ID != "" {
		img.ID = req.ID
	} else if req.Name != "" {
		img.ID = req.Name
	}
	img.Name = req.Name
	img.Arch = req.Arch
	img.SHA256 = req.SHA256
	img.Source = req.Source
	if err := img.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, img)
}

// GetImage gets a particular image
func GetImage(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	id := mux.Vars(r)["id"]
	img, err := ctx.Image(id)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "image %s not found", id)
		}
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, img)
}
