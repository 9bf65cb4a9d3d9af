package session

import (
	stderrors "errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
	"github.com/nyaruka/phonenumbers"
)

func RegisterSessionRoutes[T any](app router.Router[T], opts ...SessionControllerOption) {

	controller := NewSessionController(opts...)

	app.
		Get(controller.Routes.Login,
			controller.LoginShow,
		).
		SetName("sign-in.get")

	app.
		Post(
			controller.Routes.Login,
			controller.LoginPost,
		).
		SetName("sign-in.post")

	app.Get(controller.Routes.Logout, controller.LogOut).SetName("sign-out.get")

	app.Get(controller.Routes.Register, controller.RegistrationShow).
		SetName("register.get")
	app.Post(controller.Routes.Register, controller.RegistrationCreate).
		SetName("register.post")
}

type SessionControllerRoutes struct {
	Login    string
	Logout   string
	Register string
}

type SessionControllerViews struct {
	Login    string
	Logout   string
	Register string
}

type SessionController struct {
	Debug        bool
	Logger       Logger
	Coordinator  *Coordinator
	Guard        *RouteGuard
	Routes       *SessionControllerRoutes
	Views        *SessionControllerViews
	ErrorHandler router.ErrorHandler
}

type SessionControllerOption func(*SessionController) *SessionController

func NewSessionController(opts ...SessionControllerOption) *SessionController {
	c := &SessionController{
		Logger:       defLogger{},
		ErrorHandler: defaultErrHandler,
		Routes: &SessionControllerRoutes{
			Login:    "/login",
			Logout:   "/logout",
			Register: "/register",
		},
		Views: &SessionControllerViews{
			Login:    "login",
			Logout:   "logout",
			Register: "register",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Coordinator == nil {
		panic("Missing Coordinator in session controller...")
	}

	if c.Guard == nil {
		panic("Missing RouteGuard in session controller...")
	}

	return c
}

func WithControllerCoordinator(coordinator *Coordinator) SessionControllerOption {
	return func(c *SessionController) *SessionController {
		c.Coordinator = coordinator
		return c
	}
}

func WithControllerGuard(guard *RouteGuard) SessionControllerOption {
	return func(c *SessionController) *SessionController {
		c.Guard = guard
		return c
	}
}

func WithControllerLogger(logger Logger) SessionControllerOption {
	return func(c *SessionController) *SessionController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

func WithControllerDebug(debug bool) SessionControllerOption {
	return func(c *SessionController) *SessionController {
		c.Debug = debug
		return c
	}
}

// LoginShow renders the login form. Landing here clears the pending redirect
// so a later forced logout can redirect again, and prefills remembered
// credentials when the user opted in.
func (a *SessionController) LoginShow(ctx router.Context) error {
	a.Coordinator.Redirect().Disarm()

	record := &LoginRequest{}
	if creds, err := a.Coordinator.store.RememberedCredentials(ctx.Context()); err == nil && creds != nil {
		record.Identifier = creds.Email
		record.Password = creds.Secret
		record.RememberMe = true
	}

	return ctx.Render(a.Views.Login, router.ViewContext{
		"errors": nil,
		"record": record,
	})
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
	RememberMe bool   `form:"remember_me" json:"remember_me"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Identifier,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

func (a *SessionController) LoginPost(ctx router.Context) error {
	payload := new(LoginRequest)
	errs := map[string]string{}

	if err := ctx.Bind(payload); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if err := payload.Validate(); err != nil {
		return ctx.Render(a.Views.Login, router.ViewContext{
			"record":     payload,
			"validation": FormatValidationErrorToMap(err),
		})
	}

	if a.Debug {
		fmt.Println("======= SESSION LOGIN ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("============================")
	}

	if _, err := a.Coordinator.Login(ctx.Context(), payload.Identifier, payload.Password); err != nil {
		errs["authentication"] = loginErrorMessage(err)
		a.Logger.Error("login failed for %s: %v", payload.Identifier, err)
		return ctx.Render(a.Views.Login, router.ViewContext{
			"errors": errs,
			"record": payload,
		})
	}

	a.persistRememberMe(ctx, payload)

	redirect := a.Guard.GetRedirect(ctx, a.Coordinator.cfg.GetDashboardRoute())
	return ctx.Redirect(redirect, fiber.StatusSeeOther)
}

func (a *SessionController) persistRememberMe(ctx router.Context, payload *LoginRequest) {
	store := a.Coordinator.store
	if payload.RememberMe {
		creds := &RememberedCredentials{Email: payload.Identifier, Secret: payload.Password}
		if err := store.SetRememberedCredentials(ctx.Context(), creds); err != nil {
			a.Logger.Warn("failed to remember credentials: %v", err)
		}
		return
	}
	if err := store.ClearRememberedCredentials(ctx.Context()); err != nil {
		a.Logger.Warn("failed to clear remembered credentials: %v", err)
	}
}

func (a *SessionController) LogOut(ctx router.Context) error {
	if err := a.Coordinator.Logout(ctx.Context()); err != nil {
		a.Logger.Error("logout error: %v", err)
	}
	return ctx.Redirect(a.Routes.Login, fiber.StatusTemporaryRedirect)
}

func (a *SessionController) RegistrationShow(ctx router.Context) error {
	return ctx.Render(a.Views.Register, router.ViewContext{
		"errors": map[string]string{},
		"record": RegistrationCreatePayload{},
	})
}

// RegistrationCreatePayload is the form paylaod
type RegistrationCreatePayload struct {
	DisplayName     string `form:"display_name" json:"display_name"`
	Email           string `form:"email" json:"email"`
	Phone           string `form:"phone_number" json:"phone_number"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r RegistrationCreatePayload) Validate() error {

	return validation.ValidateStruct(&r,
		validation.Field(&r.DisplayName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&r.Phone, validation.By(ValidatePhoneNumber("PE"))),
		validation.Field(&r.Password, validation.Required, validation.Length(6, 100)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.Length(6, 100),
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

func (a *SessionController) RegistrationCreate(ctx router.Context) error {
	payload := new(RegistrationCreatePayload)

	if err := ctx.Bind(payload); err != nil {
		errs := map[string]string{}
		errs["form"] = "Failed to parse form"
		a.Logger.Error("register parse payload: %v", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error parsing body",
		}).Status(fiber.StatusBadRequest).Render(a.Views.Register, router.ViewContext{
			"errors": errs,
			"record": payload,
		})
	}

	if err := payload.Validate(); err != nil {
		errs := FormatValidationErrorToMap(err)
		a.Logger.Error("register validate payload: %v", err)

		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error validating payload",
		}).Render(a.Views.Register, router.ViewContext{
			"record":     payload,
			"validation": errs,
		})
	}

	if a.Debug {
		fmt.Println("======= SESSION REGISTER ======")
		fmt.Println(print.MaybePrettyJSON(payload))
		fmt.Println("===============================")
	}

	if _, err := a.Coordinator.Register(ctx.Context(), payload.Email, payload.DisplayName, payload.Password); err != nil {
		a.Logger.Error("register error: %v", err)

		return flash.WithError(ctx, router.ViewContext{
			"error_message":  loginErrorMessage(err),
			"system_message": "Error creating account",
		}).Render(a.Views.Register, router.ViewContext{
			"record": payload,
			"errors": []string{err.Error()},
		})
	}

	return flash.WithSuccess(ctx, router.ViewContext{
		"system_message": "Successful user registration",
	}).Redirect(a.Coordinator.cfg.GetDashboardRoute(), fiber.StatusSeeOther)
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return stderrors.New("values must match")
		}
		return nil
	}
}

// ValidatePhoneNumber checks the value parses as a valid number for the
// given default region. Empty values pass, pair with validation.Required if
// the field is mandatory.
func ValidatePhoneNumber(region string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		num, err := phonenumbers.Parse(s, region)
		if err != nil {
			return stderrors.New("must be a valid phone number")
		}
		if !phonenumbers.IsValidNumber(num) {
			return stderrors.New("must be a valid phone number")
		}
		return nil
	}
}

// FormatValidationErrorToMap flattens ozzo validation errors into a
// field-to-message map for templates.
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	var verrs validation.Errors
	if stderrors.As(err, &verrs) {
		for field, ferr := range verrs {
			out[field] = ferr.Error()
		}
		return out
	}
	out["validation"] = err.Error()
	return out
}

func loginErrorMessage(err error) string {
	switch {
	case IsConcurrentOperationError(err):
		return "Another sign-in attempt is already in progress"
	case hasTextCode(err, TextCodeTooManyAttempts):
		return "Too many attempts, try again later"
	case hasTextCode(err, TextCodeInvalidCredentials):
		return "Invalid email or password"
	default:
		return "Authentication Error"
	}
}

func defaultErrHandler(c router.Context, err error) error {
	return c.Render("errors/500", router.ViewContext{
		"message": err.Error(),
	})
}
