package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/henteko/maycast-recorder-sub000/internal/handler"
	"github.com/henteko/maycast-recorder-sub000/pkg/constants"
)

// New builds the HTTP router.
func New(
	roomHandler *handler.RoomHandler,
	uploadHandler *handler.UploadHandler,
	roomWS *handler.RoomWSHandler,
	health *handler.HealthHandler,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)

	api := r.Group(constants.PathAPIPrefix)
	{
		rooms := api.Group("/rooms")
		{
			rooms.POST("", roomHandler.CreateRoom)
			rooms.GET("/:id", roomHandler.GetRoom)
			rooms.POST("/:id/start", roomHandler.StartRoom)
			rooms.POST("/:id/finalize", roomHandler.FinalizeRoom)
			rooms.POST("/:id/finish", roomHandler.FinishRoom)
		}

		recordings := api.Group("/recordings")
		{
			recordings.PUT("/:id/chunks/:seq", uploadHandler.PutChunk)
			recordings.GET("/:id/presign", uploadHandler.Presign)
			recordings.POST("/:id/metadata", uploadHandler.PostMetadata)
		}

		// Presigned uploads land here; the signature query authorizes them.
		api.PUT("/storage/:id/:seq", uploadHandler.PutSignedChunk)
	}

	// WebSocket: /ws/rooms/:room_id/guests/:guest_id
	r.GET(constants.PathRoomWS, roomWS.ServeWS)

	return r
}
