package bot

// Chat replies. Kept together so wording changes do not touch the protocol code.
const (
	msgWelcome = "👋 Welcome! Open the verification link from the app to confirm your phone number."

	msgInvalidOrExpired = "❌ This verification link is invalid or has expired. Please request a new one from the app."
	msgAlreadyVerified  = "✅ This phone number is already verified."
	msgUsedElsewhere    = "⚠️ This verification link has already been used in another chat."
	msgSharePrompt      = "📱 Tap the button below to share your phone number and complete verification."
	msgShareButton      = "📱 Share my phone number"

	msgNotOwnContact  = "🔒 For security reasons, please share your own contact using the button, not someone else's."
	msgSessionExpired = "⌛ Your verification session has expired. Please retry from the app."
	msgPhoneMismatch  = "❌ Verification failed: this phone number does not match the one you entered in the app."
	msgVerified       = "✅ Your phone number has been verified. You can return to the app now."

	msgUsage = "ℹ️ To verify your phone number, open the verification link from the app and share your contact when asked."
	msgError = "⚠️ Something went wrong. Please try again in a moment."
)
